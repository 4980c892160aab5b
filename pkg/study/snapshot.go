// Package study holds the study definition aggregate as immutable snapshot
// values, the field configuration registry that drives their persistence,
// and the lifecycle rules (draft, release, lock) applied to them.
package study

import (
	"reflect"
	"slices"
	"time"
)

// Status is the primary lifecycle status of a study. Released is a side
// marker that coexists with Draft, so it is not a Status of the snapshot.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusReleased Status = "RELEASED"
	StatusLocked   Status = "LOCKED"
)

// Valid reports whether s may be the status of a DefinitionSnapshot.
func (s Status) Valid() bool {
	return s == StatusDraft || s == StatusLocked
}

// MetadataSnapshot is the value of every study field at one point in time.
// Optional scalars are pointers; nil means "no value".
type MetadataSnapshot struct {
	// Identification, stored on the StudyValue node.
	StudyNumber   *string `json:"study_number"`
	StudyAcronym  *string `json:"study_acronym"`
	StudyIDPrefix *string `json:"study_id_prefix"`
	ProjectNumber *string `json:"project_number"`

	// Registry identifiers.
	CtGovID                                                 *string `json:"ct_gov_id"`
	CtGovIDNullValueCode                                    *string `json:"ct_gov_id_null_value_code"`
	EudractID                                               *string `json:"eudract_id"`
	EudractIDNullValueCode                                  *string `json:"eudract_id_null_value_code"`
	UniversalTrialNumberUTN                                 *string `json:"universal_trial_number_utn"`
	UniversalTrialNumberUTNNullValueCode                    *string `json:"universal_trial_number_utn_null_value_code"`
	JapaneseTrialRegistryIDJapic                            *string `json:"japanese_trial_registry_id_japic"`
	JapaneseTrialRegistryIDJapicNullValueCode               *string `json:"japanese_trial_registry_id_japic_null_value_code"`
	InvestigationalNewDrugApplicationNumberIND              *string `json:"investigational_new_drug_application_number_ind"`
	InvestigationalNewDrugApplicationNumberINDNullValueCode *string `json:"investigational_new_drug_application_number_ind_null_value_code"`

	// Version bookkeeping. LockedVersionAuthor and LockedVersionInfo are set
	// only on snapshots that represent a locked version.
	VersionTimestamp    *time.Time `json:"version_timestamp"`
	LockedVersionAuthor *string    `json:"locked_version_author"`
	LockedVersionInfo   *string    `json:"locked_version_info"`

	// High level study design.
	StudyTypeCode                                 *string  `json:"study_type_code"`
	StudyTypeNullValueCode                        *string  `json:"study_type_null_value_code"`
	TrialIntentTypesCodes                         []string `json:"trial_intent_types_codes"`
	TrialIntentTypeNullValueCode                  *string  `json:"trial_intent_type_null_value_code"`
	TrialTypeCodes                                []string `json:"trial_type_codes"`
	TrialTypeNullValueCode                        *string  `json:"trial_type_null_value_code"`
	TrialPhaseCode                                *string  `json:"trial_phase_code"`
	TrialPhaseNullValueCode                       *string  `json:"trial_phase_null_value_code"`
	IsExtensionTrial                              *bool    `json:"is_extension_trial"`
	IsExtensionTrialNullValueCode                 *string  `json:"is_extension_trial_null_value_code"`
	IsAdaptiveDesign                              *bool    `json:"is_adaptive_design"`
	IsAdaptiveDesignNullValueCode                 *string  `json:"is_adaptive_design_null_value_code"`
	PostAuthIndicator                             *bool    `json:"post_auth_indicator"`
	PostAuthIndicatorNullValueCode                *string  `json:"post_auth_indicator_null_value_code"`
	StudyStopRules                                *string  `json:"study_stop_rules"`
	StudyStopRulesNullValueCode                   *string  `json:"study_stop_rules_null_value_code"`
	ConfirmedResponseMinimumDuration              *string  `json:"confirmed_response_minimum_duration"`
	ConfirmedResponseMinimumDurationNullValueCode *string  `json:"confirmed_response_minimum_duration_null_value_code"`

	// Study population.
	TherapeuticAreaCodes                             []string `json:"therapeutic_area_codes"`
	TherapeuticAreaNullValueCode                     *string  `json:"therapeutic_area_null_value_code"`
	DiseaseConditionOrIndicationCodes                []string `json:"disease_condition_or_indication_codes"`
	DiseaseConditionOrIndicationNullValueCode        *string  `json:"disease_condition_or_indication_null_value_code"`
	DiagnosisGroupCodes                              []string `json:"diagnosis_group_codes"`
	DiagnosisGroupNullValueCode                      *string  `json:"diagnosis_group_null_value_code"`
	SexOfParticipantsCode                            *string  `json:"sex_of_participants_code"`
	SexOfParticipantsNullValueCode                   *string  `json:"sex_of_participants_null_value_code"`
	RareDiseaseIndicator                             *bool    `json:"rare_disease_indicator"`
	RareDiseaseIndicatorNullValueCode                *string  `json:"rare_disease_indicator_null_value_code"`
	HealthySubjectIndicator                          *bool    `json:"healthy_subject_indicator"`
	HealthySubjectIndicatorNullValueCode             *string  `json:"healthy_subject_indicator_null_value_code"`
	PlannedMinimumAgeOfSubjects                      *string  `json:"planned_minimum_age_of_subjects"`
	PlannedMinimumAgeOfSubjectsNullValueCode         *string  `json:"planned_minimum_age_of_subjects_null_value_code"`
	PlannedMaximumAgeOfSubjects                      *string  `json:"planned_maximum_age_of_subjects"`
	PlannedMaximumAgeOfSubjectsNullValueCode         *string  `json:"planned_maximum_age_of_subjects_null_value_code"`
	StableDiseaseMinimumDuration                     *string  `json:"stable_disease_minimum_duration"`
	StableDiseaseMinimumDurationNullValueCode        *string  `json:"stable_disease_minimum_duration_null_value_code"`
	PediatricStudyIndicator                          *bool    `json:"pediatric_study_indicator"`
	PediatricStudyIndicatorNullValueCode             *string  `json:"pediatric_study_indicator_null_value_code"`
	PediatricPostmarketStudyIndicator                *bool    `json:"pediatric_postmarket_study_indicator"`
	PediatricPostmarketStudyIndicatorNullValueCode   *string  `json:"pediatric_postmarket_study_indicator_null_value_code"`
	PediatricInvestigationPlanIndicator              *bool    `json:"pediatric_investigation_plan_indicator"`
	PediatricInvestigationPlanIndicatorNullValueCode *string  `json:"pediatric_investigation_plan_indicator_null_value_code"`
	RelapseCriteria                                  *string  `json:"relapse_criteria"`
	RelapseCriteriaNullValueCode                     *string  `json:"relapse_criteria_null_value_code"`
	NumberOfExpectedSubjects                         *int     `json:"number_of_expected_subjects"`
	NumberOfExpectedSubjectsNullValueCode            *string  `json:"number_of_expected_subjects_null_value_code"`

	// Study intervention.
	InterventionTypeCode                   *string `json:"intervention_type_code"`
	InterventionTypeNullValueCode          *string `json:"intervention_type_null_value_code"`
	AddOnToExistingTreatments              *bool   `json:"add_on_to_existing_treatments"`
	AddOnToExistingTreatmentsNullValueCode *string `json:"add_on_to_existing_treatments_null_value_code"`
	ControlTypeCode                        *string `json:"control_type_code"`
	ControlTypeNullValueCode               *string `json:"control_type_null_value_code"`
	InterventionModelCode                  *string `json:"intervention_model_code"`
	InterventionModelNullValueCode         *string `json:"intervention_model_null_value_code"`
	IsTrialRandomised                      *bool   `json:"is_trial_randomised"`
	IsTrialRandomisedNullValueCode         *string `json:"is_trial_randomised_null_value_code"`
	StratificationFactor                   *string `json:"stratification_factor"`
	StratificationFactorNullValueCode      *string `json:"stratification_factor_null_value_code"`
	TrialBlindingSchemaCode                *string `json:"trial_blinding_schema_code"`
	TrialBlindingSchemaNullValueCode       *string `json:"trial_blinding_schema_null_value_code"`
	PlannedStudyLength                     *string `json:"planned_study_length"`
	PlannedStudyLengthNullValueCode        *string `json:"planned_study_length_null_value_code"`
	DrugStudyIndication                    *bool   `json:"drug_study_indication"`
	DrugStudyIndicationNullValueCode       *string `json:"drug_study_indication_null_value_code"`
	DeviceStudyIndication                  *bool   `json:"device_study_indication"`
	DeviceStudyIndicationNullValueCode     *string `json:"device_study_indication_null_value_code"`

	// Study description.
	StudyTitle      *string `json:"study_title"`
	StudyShortTitle *string `json:"study_short_title"`
}

// StudyID is the human readable study id, "<prefix>-<number>", or nil when
// either part is missing.
func (m MetadataSnapshot) StudyID() *string {
	if m.StudyIDPrefix == nil || m.StudyNumber == nil {
		return nil
	}
	id := *m.StudyIDPrefix + "-" + *m.StudyNumber
	return &id
}

// SameStudyValue reports whether m and o agree on every property stored on
// the StudyValue node itself.
func (m MetadataSnapshot) SameStudyValue(o MetadataSnapshot) bool {
	return equalPtr(m.StudyNumber, o.StudyNumber) &&
		equalPtr(m.StudyAcronym, o.StudyAcronym) &&
		equalPtr(m.StudyIDPrefix, o.StudyIDPrefix)
}

// Equal reports full value equality. Empty and nil lists are equal and
// timestamps are compared as instants.
func (m MetadataSnapshot) Equal(o MetadataSnapshot) bool {
	if !equalTime(m.VersionTimestamp, o.VersionTimestamp) {
		return false
	}
	a, b := m.normalized(), o.normalized()
	a.VersionTimestamp, b.VersionTimestamp = nil, nil
	return reflect.DeepEqual(a, b)
}

// Clone returns a deep copy of m.
func (m MetadataSnapshot) Clone() MetadataSnapshot {
	c := m
	for _, cfg := range DefaultFieldConfig() {
		if p, ok := cfg.ref(&c).(*[]string); ok {
			*p = slices.Clone(*p)
		}
	}
	if m.VersionTimestamp != nil {
		t := *m.VersionTimestamp
		c.VersionTimestamp = &t
	}
	// Scalar pointers are shared: values are never mutated through them.
	return c
}

func (m MetadataSnapshot) normalized() MetadataSnapshot {
	c := m
	for _, cfg := range DefaultFieldConfig() {
		if p, ok := cfg.ref(&c).(*[]string); ok && len(*p) == 0 {
			*p = nil
		}
	}
	return c
}

// DefinitionSnapshot is the whole study aggregate at one point in time.
type DefinitionSnapshot struct {
	UID                    string             `json:"uid"`
	Status                 Status             `json:"study_status"`
	CurrentMetadata        MetadataSnapshot   `json:"current_metadata"`
	ReleasedMetadata       *MetadataSnapshot  `json:"released_metadata,omitempty"`
	LockedMetadataVersions []MetadataSnapshot `json:"locked_metadata_versions"`
	Deleted                bool               `json:"deleted,omitempty"`
}

// Equal reports full value equality of two snapshots.
func (s DefinitionSnapshot) Equal(o DefinitionSnapshot) bool {
	if s.UID != o.UID || s.Status != o.Status || s.Deleted != o.Deleted {
		return false
	}
	if !s.CurrentMetadata.Equal(o.CurrentMetadata) {
		return false
	}
	if !equalMetadataPtr(s.ReleasedMetadata, o.ReleasedMetadata) {
		return false
	}
	return equalMetadataList(s.LockedMetadataVersions, o.LockedMetadataVersions)
}

// Clone returns a deep copy of s.
func (s DefinitionSnapshot) Clone() DefinitionSnapshot {
	c := s
	c.CurrentMetadata = s.CurrentMetadata.Clone()
	if s.ReleasedMetadata != nil {
		r := s.ReleasedMetadata.Clone()
		c.ReleasedMetadata = &r
	}
	c.LockedMetadataVersions = make([]MetadataSnapshot, len(s.LockedMetadataVersions))
	for i, v := range s.LockedMetadataVersions {
		c.LockedMetadataVersions[i] = v.Clone()
	}
	return c
}

func equalMetadataPtr(a, b *MetadataSnapshot) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func equalMetadataList(a, b []MetadataSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
