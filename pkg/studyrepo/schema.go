package studyrepo

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openstudybuilder/study-mdr/pkg/study"
)

// Node labels of the study graph.
const (
	LabelStudyRoot    = "StudyRoot"
	LabelStudyValue   = "StudyValue"
	LabelStudyAction  = "StudyAction"
	LabelProjectField = "StudyProjectField"
)

// Relationship types of the study graph.
const (
	RelLatest         = "LATEST"
	RelLatestDraft    = "LATEST_DRAFT"
	RelLatestReleased = "LATEST_RELEASED"
	RelLatestLocked   = "LATEST_LOCKED"
	RelHasVersion     = "HAS_VERSION"

	RelAuditTrail = "AUDIT_TRAIL"
	RelBefore     = "BEFORE"
	RelAfter      = "AFTER"

	RelHasTextField    = "HAS_TEXT_FIELD"
	RelHasBooleanField = "HAS_BOOLEAN_FIELD"
	RelHasIntField     = "HAS_INT_FIELD"
	RelHasTimeField    = "HAS_TIME_FIELD"
	RelHasArrayField   = "HAS_ARRAY_FIELD"
	RelHasProject      = "HAS_PROJECT"
	// RelHasField links a Project to the StudyProjectField nodes using it.
	RelHasField = "HAS_FIELD"

	RelHasType               = "HAS_TYPE"
	RelHasDictionaryType     = "HAS_DICTIONARY_TYPE"
	RelHasReasonForNullValue = "HAS_REASON_FOR_NULL_VALUE"

	RelHasSelected = "HAS_SELECTED"
)

// StudyAction kinds.
const (
	ActionCreate = "Create"
	ActionEdit   = "Edit"
	ActionDelete = "Delete"
)

type fieldStorage struct {
	label string
	rel   string
}

var storageByKind = map[study.FieldKind]fieldStorage{
	study.KindText:                {label: "StudyTextField", rel: RelHasTextField},
	study.KindRegistry:            {label: "StudyTextField", rel: RelHasTextField},
	study.KindBool:                {label: "StudyBooleanField", rel: RelHasBooleanField},
	study.KindInt:                 {label: "StudyIntField", rel: RelHasIntField},
	study.KindTime:                {label: "StudyTimeField", rel: RelHasTimeField},
	study.KindCodelistMultiselect: {label: "StudyArrayField", rel: RelHasArrayField},
}

var fieldRelTypes = []string{RelHasTextField, RelHasBooleanField, RelHasIntField, RelHasTimeField, RelHasArrayField}

// SelectionFamily is one kind of study selection hanging off a StudyValue
// node (objectives, endpoints, visits, ...). Selections are moved to the
// new StudyValue whenever one is created.
type SelectionFamily struct {
	Name    string
	RelType string
	Label   string
}

var selectionFamilies = []SelectionFamily{
	{Name: "objectives", RelType: "HAS_STUDY_OBJECTIVE", Label: "StudyObjective"},
	{Name: "endpoints", RelType: "HAS_STUDY_ENDPOINT", Label: "StudyEndpoint"},
	{Name: "criteria", RelType: "HAS_STUDY_CRITERIA", Label: "StudyCriteria"},
	{Name: "activities", RelType: "HAS_STUDY_ACTIVITY", Label: "StudyActivity"},
	{Name: "activity-schedules", RelType: "HAS_STUDY_ACTIVITY_SCHEDULE", Label: "StudyActivitySchedule"},
	{Name: "activity-instructions", RelType: "HAS_STUDY_ACTIVITY_INSTRUCTION", Label: "StudyActivityInstruction"},
	{Name: "visits", RelType: "HAS_STUDY_VISIT", Label: "StudyVisit"},
	{Name: "epochs", RelType: "HAS_STUDY_EPOCH", Label: "StudyEpoch"},
	{Name: "arms", RelType: "HAS_STUDY_ARM", Label: "StudyArm"},
	{Name: "branch-arms", RelType: "HAS_STUDY_BRANCH_ARM", Label: "StudyBranchArm"},
	{Name: "cohorts", RelType: "HAS_STUDY_COHORT", Label: "StudyCohort"},
	{Name: "elements", RelType: "HAS_STUDY_ELEMENT", Label: "StudyElement"},
	{Name: "design-cells", RelType: "HAS_STUDY_DESIGN_CELL", Label: "StudyDesignCell"},
	{Name: "compounds", RelType: "HAS_STUDY_COMPOUND", Label: "StudyCompound"},
	{Name: "compound-dosings", RelType: "HAS_STUDY_COMPOUND_DOSING", Label: "StudyCompoundDosing"},
}

var (
	selectionRelTypes = func() mapset.Set[string] {
		s := mapset.NewThreadUnsafeSet[string]()
		for _, f := range selectionFamilies {
			s.Add(f.RelType)
		}
		return s
	}()
	selectionRelTypeList = selectionRelTypes.ToSlice()
)

// SelectionFamilies returns every selection family.
func SelectionFamilies() []SelectionFamily {
	out := make([]SelectionFamily, len(selectionFamilies))
	copy(out, selectionFamilies)
	return out
}

// FamilyByName returns the selection family with the API name.
func FamilyByName(name string) (SelectionFamily, bool) {
	for _, f := range selectionFamilies {
		if f.Name == name {
			return f, true
		}
	}
	return SelectionFamily{}, false
}

func lockKey(uid string) string { return "study:" + uid }

func numberLockKey(number string) string { return "study_number:" + number }
