package study

import (
	"fmt"
	"slices"
)

// FieldKind is the storage type of a study field.
type FieldKind string

const (
	KindText                FieldKind = "TEXT"
	KindBool                FieldKind = "BOOL"
	KindInt                 FieldKind = "INT"
	KindTime                FieldKind = "TIME"
	KindCodelistMultiselect FieldKind = "CODELIST_MULTISELECT"
	KindRegistry            FieldKind = "REGISTRY"
)

// Scalar reports whether fields of this kind are persisted by the scalar
// field pass (text, bool, int and time fields).
func (k FieldKind) Scalar() bool {
	switch k {
	case KindText, KindBool, KindInt, KindTime:
		return true
	}
	return false
}

// Section groups fields for display. The "ver_metadata" grouping of the
// registry corresponds to SectionVersion; those fields are never persisted
// as StudyField nodes.
type Section string

const (
	SectionIdentification Section = "IdentificationMetadata"
	SectionRegistry       Section = "RegistryIdentifiers"
	SectionVersion        Section = "VersionMetadata"
	SectionHighLevel      Section = "HighLevelStudyDesign"
	SectionPopulation     Section = "StudyPopulation"
	SectionIntervention   Section = "StudyIntervention"
	SectionDescription    Section = "StudyDescription"
	SectionUnknown        Section = "Unknown"
)

// FieldConfig describes one study field.
type FieldConfig struct {
	// Name is the field name stored on StudyField nodes.
	Name string
	// APIName is the key used by the HTTP representation.
	APIName string
	Kind    FieldKind
	Section Section
	// CodelistUID is set when values are controlled-term uids from this codelist.
	CodelistUID string
	// DictionaryTerm marks values as dictionary terms (e.g. SNOMED) rather than CT terms.
	DictionaryTerm bool
	// TermUID links every value of the field to one fixed term.
	TermUID string
	// NullValueCode is the name of the paired null-value-reason field, if any.
	NullValueCode string

	ref      func(*MetadataSnapshot) any
	nullCode func(*MetadataSnapshot) **string
}

// VersionMetadata reports whether the field is version bookkeeping.
func (c FieldConfig) VersionMetadata() bool { return c.Section == SectionVersion }

// Value returns the field value of m as nil, string, bool, int or []string.
// Empty lists are returned as nil.
func (c FieldConfig) Value(m *MetadataSnapshot) any {
	switch p := c.ref(m).(type) {
	case **string:
		if *p == nil {
			return nil
		}
		return **p
	case **bool:
		if *p == nil {
			return nil
		}
		return **p
	case **int:
		if *p == nil {
			return nil
		}
		return **p
	case *[]string:
		if len(*p) == 0 {
			return nil
		}
		return slices.Clone(*p)
	default:
		panic(fmt.Sprintf("study: unsupported field reference %T for %s", p, c.Name))
	}
}

// SetValue stores v into m. A nil v clears the field. Numbers decoded from
// JSON (float64) are accepted for int fields and []any for list fields.
func (c FieldConfig) SetValue(m *MetadataSnapshot, v any) error {
	switch p := c.ref(m).(type) {
	case **string:
		if v == nil {
			*p = nil
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return c.typeError(v)
		}
		*p = &s
	case **bool:
		if v == nil {
			*p = nil
			return nil
		}
		b, ok := v.(bool)
		if !ok {
			return c.typeError(v)
		}
		*p = &b
	case **int:
		switch n := v.(type) {
		case nil:
			*p = nil
		case int:
			*p = &n
		case int64:
			i := int(n)
			*p = &i
		case float64:
			if n != float64(int(n)) {
				return c.typeError(v)
			}
			i := int(n)
			*p = &i
		default:
			return c.typeError(v)
		}
	case *[]string:
		switch l := v.(type) {
		case nil:
			*p = nil
		case []string:
			*p = slices.Clone(l)
		case []any:
			out := make([]string, 0, len(l))
			for _, e := range l {
				s, ok := e.(string)
				if !ok {
					return c.typeError(v)
				}
				out = append(out, s)
			}
			*p = out
		default:
			return c.typeError(v)
		}
	}
	return nil
}

// NullValue returns the null-value-reason code of the field, or nil.
func (c FieldConfig) NullValue(m *MetadataSnapshot) *string {
	if c.nullCode == nil {
		return nil
	}
	return *c.nullCode(m)
}

// SetNullValue stores the null-value-reason code. It fails for fields
// without a null-value code.
func (c FieldConfig) SetNullValue(m *MetadataSnapshot, code *string) error {
	if c.nullCode == nil {
		if code == nil {
			return nil
		}
		return &ValidationError{Field: c.Name, Message: "field does not support a null value code"}
	}
	*c.nullCode(m) = code
	return nil
}

func (c FieldConfig) typeError(v any) error {
	return &ValidationError{Field: c.Name, Message: fmt.Sprintf("unexpected value type %T for %s field", v, c.Kind)}
}

// Codelist UIDs of the CDISC codelists backing single and multi select fields.
const (
	CodelistStudyType           = "C99077"
	CodelistTrialIntentType     = "C66736"
	CodelistTrialType           = "C66739"
	CodelistTrialPhase          = "C66737"
	CodelistSexOfParticipants   = "C66732"
	CodelistInterventionType    = "C99078"
	CodelistControlType         = "C66785"
	CodelistInterventionModel   = "C99076"
	CodelistTrialBlindingSchema = "C66735"
)

var registry = buildRegistry()

// DefaultFieldConfig returns the ordered field registry. Every
// (de)serialization and reconciliation pass iterates this list, so adding
// an entry is all that is needed to support a new field.
func DefaultFieldConfig() []FieldConfig {
	return slices.Clone(registry)
}

var registryByName = func() map[string]FieldConfig {
	m := make(map[string]FieldConfig, len(registry))
	for _, c := range registry {
		m[c.Name] = c
	}
	return m
}()

// FieldByName returns the registry entry with the given field name.
func FieldByName(name string) (FieldConfig, bool) {
	c, ok := registryByName[name]
	return c, ok
}

func buildRegistry() []FieldConfig {
	type m = MetadataSnapshot
	fields := []FieldConfig{
		registryField("ct_gov_id", func(s *m) **string { return &s.CtGovID }, func(s *m) **string { return &s.CtGovIDNullValueCode }),
		registryField("eudract_id", func(s *m) **string { return &s.EudractID }, func(s *m) **string { return &s.EudractIDNullValueCode }),
		registryField("universal_trial_number_utn", func(s *m) **string { return &s.UniversalTrialNumberUTN }, func(s *m) **string { return &s.UniversalTrialNumberUTNNullValueCode }),
		registryField("japanese_trial_registry_id_japic", func(s *m) **string { return &s.JapaneseTrialRegistryIDJapic }, func(s *m) **string { return &s.JapaneseTrialRegistryIDJapicNullValueCode }),
		registryField("investigational_new_drug_application_number_ind", func(s *m) **string { return &s.InvestigationalNewDrugApplicationNumberIND }, func(s *m) **string { return &s.InvestigationalNewDrugApplicationNumberINDNullValueCode }),

		{Name: "locked_version_author", Kind: KindText, Section: SectionVersion, ref: func(s *m) any { return &s.LockedVersionAuthor }},
		{Name: "locked_version_info", Kind: KindText, Section: SectionVersion, ref: func(s *m) any { return &s.LockedVersionInfo }},

		{Name: "study_type_code", Kind: KindText, Section: SectionHighLevel, CodelistUID: CodelistStudyType, NullValueCode: "study_type_null_value_code",
			ref: func(s *m) any { return &s.StudyTypeCode }, nullCode: func(s *m) **string { return &s.StudyTypeNullValueCode }},
		{Name: "trial_intent_types_codes", Kind: KindCodelistMultiselect, Section: SectionHighLevel, CodelistUID: CodelistTrialIntentType, NullValueCode: "trial_intent_type_null_value_code",
			ref: func(s *m) any { return &s.TrialIntentTypesCodes }, nullCode: func(s *m) **string { return &s.TrialIntentTypeNullValueCode }},
		{Name: "trial_type_codes", Kind: KindCodelistMultiselect, Section: SectionHighLevel, CodelistUID: CodelistTrialType, NullValueCode: "trial_type_null_value_code",
			ref: func(s *m) any { return &s.TrialTypeCodes }, nullCode: func(s *m) **string { return &s.TrialTypeNullValueCode }},
		{Name: "trial_phase_code", Kind: KindText, Section: SectionHighLevel, CodelistUID: CodelistTrialPhase, NullValueCode: "trial_phase_null_value_code",
			ref: func(s *m) any { return &s.TrialPhaseCode }, nullCode: func(s *m) **string { return &s.TrialPhaseNullValueCode }},
		boolField("is_extension_trial", SectionHighLevel, func(s *m) **bool { return &s.IsExtensionTrial }, func(s *m) **string { return &s.IsExtensionTrialNullValueCode }),
		boolField("is_adaptive_design", SectionHighLevel, func(s *m) **bool { return &s.IsAdaptiveDesign }, func(s *m) **string { return &s.IsAdaptiveDesignNullValueCode }),
		boolField("post_auth_indicator", SectionHighLevel, func(s *m) **bool { return &s.PostAuthIndicator }, func(s *m) **string { return &s.PostAuthIndicatorNullValueCode }),
		textField("study_stop_rules", KindText, SectionHighLevel, func(s *m) **string { return &s.StudyStopRules }, func(s *m) **string { return &s.StudyStopRulesNullValueCode }),
		textField("confirmed_response_minimum_duration", KindTime, SectionHighLevel, func(s *m) **string { return &s.ConfirmedResponseMinimumDuration }, func(s *m) **string { return &s.ConfirmedResponseMinimumDurationNullValueCode }),

		{Name: "therapeutic_area_codes", Kind: KindCodelistMultiselect, Section: SectionPopulation, DictionaryTerm: true, NullValueCode: "therapeutic_area_null_value_code",
			ref: func(s *m) any { return &s.TherapeuticAreaCodes }, nullCode: func(s *m) **string { return &s.TherapeuticAreaNullValueCode }},
		{Name: "disease_condition_or_indication_codes", Kind: KindCodelistMultiselect, Section: SectionPopulation, DictionaryTerm: true, NullValueCode: "disease_condition_or_indication_null_value_code",
			ref: func(s *m) any { return &s.DiseaseConditionOrIndicationCodes }, nullCode: func(s *m) **string { return &s.DiseaseConditionOrIndicationNullValueCode }},
		{Name: "diagnosis_group_codes", Kind: KindCodelistMultiselect, Section: SectionPopulation, DictionaryTerm: true, NullValueCode: "diagnosis_group_null_value_code",
			ref: func(s *m) any { return &s.DiagnosisGroupCodes }, nullCode: func(s *m) **string { return &s.DiagnosisGroupNullValueCode }},
		{Name: "sex_of_participants_code", Kind: KindText, Section: SectionPopulation, CodelistUID: CodelistSexOfParticipants, NullValueCode: "sex_of_participants_null_value_code",
			ref: func(s *m) any { return &s.SexOfParticipantsCode }, nullCode: func(s *m) **string { return &s.SexOfParticipantsNullValueCode }},
		boolField("rare_disease_indicator", SectionPopulation, func(s *m) **bool { return &s.RareDiseaseIndicator }, func(s *m) **string { return &s.RareDiseaseIndicatorNullValueCode }),
		boolField("healthy_subject_indicator", SectionPopulation, func(s *m) **bool { return &s.HealthySubjectIndicator }, func(s *m) **string { return &s.HealthySubjectIndicatorNullValueCode }),
		textField("planned_minimum_age_of_subjects", KindTime, SectionPopulation, func(s *m) **string { return &s.PlannedMinimumAgeOfSubjects }, func(s *m) **string { return &s.PlannedMinimumAgeOfSubjectsNullValueCode }),
		textField("planned_maximum_age_of_subjects", KindTime, SectionPopulation, func(s *m) **string { return &s.PlannedMaximumAgeOfSubjects }, func(s *m) **string { return &s.PlannedMaximumAgeOfSubjectsNullValueCode }),
		textField("stable_disease_minimum_duration", KindTime, SectionPopulation, func(s *m) **string { return &s.StableDiseaseMinimumDuration }, func(s *m) **string { return &s.StableDiseaseMinimumDurationNullValueCode }),
		boolField("pediatric_study_indicator", SectionPopulation, func(s *m) **bool { return &s.PediatricStudyIndicator }, func(s *m) **string { return &s.PediatricStudyIndicatorNullValueCode }),
		boolField("pediatric_postmarket_study_indicator", SectionPopulation, func(s *m) **bool { return &s.PediatricPostmarketStudyIndicator }, func(s *m) **string { return &s.PediatricPostmarketStudyIndicatorNullValueCode }),
		boolField("pediatric_investigation_plan_indicator", SectionPopulation, func(s *m) **bool { return &s.PediatricInvestigationPlanIndicator }, func(s *m) **string { return &s.PediatricInvestigationPlanIndicatorNullValueCode }),
		textField("relapse_criteria", KindText, SectionPopulation, func(s *m) **string { return &s.RelapseCriteria }, func(s *m) **string { return &s.RelapseCriteriaNullValueCode }),
		{Name: "number_of_expected_subjects", Kind: KindInt, Section: SectionPopulation, NullValueCode: "number_of_expected_subjects_null_value_code",
			ref: func(s *m) any { return &s.NumberOfExpectedSubjects }, nullCode: func(s *m) **string { return &s.NumberOfExpectedSubjectsNullValueCode }},

		{Name: "intervention_type_code", Kind: KindText, Section: SectionIntervention, CodelistUID: CodelistInterventionType, NullValueCode: "intervention_type_null_value_code",
			ref: func(s *m) any { return &s.InterventionTypeCode }, nullCode: func(s *m) **string { return &s.InterventionTypeNullValueCode }},
		boolField("add_on_to_existing_treatments", SectionIntervention, func(s *m) **bool { return &s.AddOnToExistingTreatments }, func(s *m) **string { return &s.AddOnToExistingTreatmentsNullValueCode }),
		{Name: "control_type_code", Kind: KindText, Section: SectionIntervention, CodelistUID: CodelistControlType, NullValueCode: "control_type_null_value_code",
			ref: func(s *m) any { return &s.ControlTypeCode }, nullCode: func(s *m) **string { return &s.ControlTypeNullValueCode }},
		{Name: "intervention_model_code", Kind: KindText, Section: SectionIntervention, CodelistUID: CodelistInterventionModel, NullValueCode: "intervention_model_null_value_code",
			ref: func(s *m) any { return &s.InterventionModelCode }, nullCode: func(s *m) **string { return &s.InterventionModelNullValueCode }},
		boolField("is_trial_randomised", SectionIntervention, func(s *m) **bool { return &s.IsTrialRandomised }, func(s *m) **string { return &s.IsTrialRandomisedNullValueCode }),
		textField("stratification_factor", KindText, SectionIntervention, func(s *m) **string { return &s.StratificationFactor }, func(s *m) **string { return &s.StratificationFactorNullValueCode }),
		{Name: "trial_blinding_schema_code", Kind: KindText, Section: SectionIntervention, CodelistUID: CodelistTrialBlindingSchema, NullValueCode: "trial_blinding_schema_null_value_code",
			ref: func(s *m) any { return &s.TrialBlindingSchemaCode }, nullCode: func(s *m) **string { return &s.TrialBlindingSchemaNullValueCode }},
		textField("planned_study_length", KindTime, SectionIntervention, func(s *m) **string { return &s.PlannedStudyLength }, func(s *m) **string { return &s.PlannedStudyLengthNullValueCode }),
		boolField("drug_study_indication", SectionIntervention, func(s *m) **bool { return &s.DrugStudyIndication }, func(s *m) **string { return &s.DrugStudyIndicationNullValueCode }),
		boolField("device_study_indication", SectionIntervention, func(s *m) **bool { return &s.DeviceStudyIndication }, func(s *m) **string { return &s.DeviceStudyIndicationNullValueCode }),

		textField("study_title", KindText, SectionDescription, func(s *m) **string { return &s.StudyTitle }, nil),
		textField("study_short_title", KindText, SectionDescription, func(s *m) **string { return &s.StudyShortTitle }, nil),
	}
	for i := range fields {
		if fields[i].APIName == "" {
			fields[i].APIName = fields[i].Name
		}
	}
	return fields
}

func registryField(name string, ref func(*MetadataSnapshot) **string, null func(*MetadataSnapshot) **string) FieldConfig {
	return textField(name, KindRegistry, SectionRegistry, ref, null)
}

func textField(name string, kind FieldKind, section Section, ref func(*MetadataSnapshot) **string, null func(*MetadataSnapshot) **string) FieldConfig {
	c := FieldConfig{
		Name:    name,
		APIName: name,
		Kind:    kind,
		Section: section,
		ref:     func(s *MetadataSnapshot) any { return ref(s) },
	}
	if null != nil {
		c.NullValueCode = name + "_null_value_code"
		c.nullCode = null
	}
	return c
}

func boolField(name string, section Section, ref func(*MetadataSnapshot) **bool, null func(*MetadataSnapshot) **string) FieldConfig {
	return FieldConfig{
		Name:          name,
		APIName:       name,
		Kind:          KindBool,
		Section:       section,
		NullValueCode: name + "_null_value_code",
		ref:           func(s *MetadataSnapshot) any { return ref(s) },
		nullCode:      null,
	}
}
