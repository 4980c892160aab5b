package study

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Lifecycle actions accepted by Apply.
const (
	ActionRelease   = "release"
	ActionUnrelease = "unrelease"
	ActionLock      = "lock"
	ActionNewDraft  = "new-draft"
)

// actionRules lists the status each action requires.
var actionRules = map[string]Status{
	ActionRelease:   StatusDraft,
	ActionUnrelease: StatusDraft,
	ActionLock:      StatusDraft,
	ActionNewDraft:  StatusLocked,
}

// NewDraftSnapshot returns the snapshot of a brand-new study.
func NewDraftSnapshot(uid string, metadata MetadataSnapshot, now time.Time) (DefinitionSnapshot, error) {
	if err := ValidateMetadata(metadata); err != nil {
		return DefinitionSnapshot{}, err
	}
	m := metadata.Clone()
	m.VersionTimestamp = &now
	m.LockedVersionAuthor = nil
	m.LockedVersionInfo = nil
	return DefinitionSnapshot{
		UID:             uid,
		Status:          StatusDraft,
		CurrentMetadata: m,
	}, nil
}

// EditMetadata applies edit to a copy of the current metadata of a draft
// study and stamps the new version timestamp.
func EditMetadata(s DefinitionSnapshot, now time.Time, edit func(m *MetadataSnapshot) error) (DefinitionSnapshot, error) {
	if s.Status != StatusDraft {
		return DefinitionSnapshot{}, &TransitionError{
			Code:    "STUDY_NOT_EDITABLE",
			From:    s.Status,
			Action:  "edit",
			Message: fmt.Sprintf("study %s is %s; create a new draft before editing", s.UID, s.Status),
		}
	}
	out := s.Clone()
	if err := edit(&out.CurrentMetadata); err != nil {
		return DefinitionSnapshot{}, err
	}
	if err := ValidateMetadata(out.CurrentMetadata); err != nil {
		return DefinitionSnapshot{}, err
	}
	out.CurrentMetadata.VersionTimestamp = &now
	return out, nil
}

// Apply performs a lifecycle action on behalf of user.
// changeDescription is required by ActionLock only.
func Apply(s DefinitionSnapshot, action, user, changeDescription string, now time.Time) (DefinitionSnapshot, error) {
	required, ok := actionRules[action]
	if !ok {
		return DefinitionSnapshot{}, &TransitionError{
			Code:    "STUDY_UNKNOWN_ACTION",
			From:    s.Status,
			Action:  action,
			Message: fmt.Sprintf("unknown study action %q", action),
		}
	}
	if s.Status != required {
		return DefinitionSnapshot{}, &TransitionError{
			Code:    "STUDY_INVALID_TRANSITION",
			From:    s.Status,
			Action:  action,
			Message: fmt.Sprintf("cannot %s study %s in status %s", action, s.UID, s.Status),
		}
	}

	out := s.Clone()
	switch action {
	case ActionRelease:
		out.CurrentMetadata.VersionTimestamp = &now
		released := out.CurrentMetadata.Clone()
		out.ReleasedMetadata = &released
	case ActionUnrelease:
		if out.ReleasedMetadata == nil {
			return DefinitionSnapshot{}, &TransitionError{
				Code:    "STUDY_NOT_RELEASED",
				From:    s.Status,
				Action:  action,
				Message: fmt.Sprintf("study %s has no released version", s.UID),
			}
		}
		out.ReleasedMetadata = nil
	case ActionLock:
		if strings.TrimSpace(changeDescription) == "" {
			return DefinitionSnapshot{}, &ValidationError{Field: "change_description", Message: "a change description is required to lock a study"}
		}
		if user == "" {
			return DefinitionSnapshot{}, &ValidationError{Field: "locked_version_author", Message: "the locking user is unknown"}
		}
		out.Status = StatusLocked
		out.ReleasedMetadata = nil
		out.CurrentMetadata.VersionTimestamp = &now
		out.CurrentMetadata.LockedVersionAuthor = &user
		info := changeDescription
		out.CurrentMetadata.LockedVersionInfo = &info
		out.LockedMetadataVersions = append(out.LockedMetadataVersions, out.CurrentMetadata.Clone())
	case ActionNewDraft:
		out.Status = StatusDraft
		out.CurrentMetadata.VersionTimestamp = &now
		out.CurrentMetadata.LockedVersionAuthor = nil
		out.CurrentMetadata.LockedVersionInfo = nil
	}
	return out, nil
}

var studyNumberPattern = regexp.MustCompile(`^[0-9]{1,4}$`)

// ValidateMetadata checks the value rules that hold for every snapshot.
func ValidateMetadata(m MetadataSnapshot) error {
	if m.StudyNumber == nil && m.StudyAcronym == nil {
		return &ValidationError{Field: "study_number", Message: "either study_number or study_acronym must be given"}
	}
	if m.StudyNumber != nil && !studyNumberPattern.MatchString(*m.StudyNumber) {
		return &ValidationError{Field: "study_number", Message: fmt.Sprintf("%q must be a number of at most 4 digits", *m.StudyNumber)}
	}
	for _, cfg := range registry {
		if cfg.nullCode == nil {
			continue
		}
		if cfg.Value(&m) != nil && cfg.NullValue(&m) != nil {
			return &ValidationError{Field: cfg.Name, Message: fmt.Sprintf("a value and %s cannot both be set", cfg.NullValueCode)}
		}
	}
	return nil
}

// Release records the current metadata as the released version.
func Release(s DefinitionSnapshot, now time.Time) (DefinitionSnapshot, error) {
	return Apply(s, ActionRelease, "", "", now)
}

// Unrelease withdraws the released version.
func Unrelease(s DefinitionSnapshot, now time.Time) (DefinitionSnapshot, error) {
	return Apply(s, ActionUnrelease, "", "", now)
}

// Lock freezes the current metadata as a new locked version authored by user.
func Lock(s DefinitionSnapshot, user, changeDescription string, now time.Time) (DefinitionSnapshot, error) {
	return Apply(s, ActionLock, user, changeDescription, now)
}

// NewDraft reopens a locked study for editing.
func NewDraft(s DefinitionSnapshot, now time.Time) (DefinitionSnapshot, error) {
	return Apply(s, ActionNewDraft, "", "", now)
}
