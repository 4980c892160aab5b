package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstudybuilder/study-mdr/pkg/study"
	"github.com/openstudybuilder/study-mdr/pkg/studyrepo"
)

const refdata = `
ct_terms:
  - uid: C49488_Y
    name: "Yes"
    codelist_uid: C66742
  - uid: C49487_N
    name: "No"
    codelist_uid: C66742
projects:
  - project_number: "123"
    name: Project ABC
`

// run executes studyctl against a sqlite database in dir.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	base := []string{"--db-type", "sqlite", "--db-dsn", filepath.Join(dir, "study.db"), "--user", "ABC"}
	cmd.SetArgs(append(args, base...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStudyctlWorkflow(t *testing.T) {
	dir := t.TempDir()
	seedFile := filepath.Join(dir, "refdata.yaml")
	require.NoError(t, os.WriteFile(seedFile, []byte(refdata), 0o600))

	out, err := run(t, dir, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema is up to date")

	out, err = run(t, dir, "seed", "-f", seedFile)
	require.NoError(t, err)
	assert.Contains(t, out, "created 3, existing 0")

	out, err = run(t, dir, "create", "--number", "0001", "--acronym", "ACR", "--prefix", "CDISC DEV", "--project", "123", "-o", "json")
	require.NoError(t, err)
	var created study.DefinitionSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "Study_000001", created.UID)

	_, err = run(t, dir, "create", "--number", "0001")
	require.Error(t, err, "study numbers are unique")

	_, err = run(t, dir, "lock", created.UID)
	require.Error(t, err, "lock needs a change description")

	out, err = run(t, dir, "lock", created.UID, "-m", "first lock", "-o", "json")
	require.NoError(t, err)
	var locked study.DefinitionSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &locked))
	assert.Equal(t, study.StatusLocked, locked.Status)
	require.Len(t, locked.LockedMetadataVersions, 1)
	assert.Equal(t, "ABC", *locked.LockedMetadataVersions[0].LockedVersionAuthor)

	_, err = run(t, dir, "release", created.UID)
	require.Error(t, err, "a locked study cannot be released")

	_, err = run(t, dir, "new-draft", created.UID)
	require.NoError(t, err)
	out, err = run(t, dir, "release", created.UID)
	require.NoError(t, err)
	assert.Contains(t, out, "Released")

	out, err = run(t, dir, "get", created.UID)
	require.NoError(t, err)
	assert.Contains(t, out, "CDISC DEV-0001")

	out, err = run(t, dir, "list", "-o", "json")
	require.NoError(t, err)
	var list studyrepo.ListResult
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, 1, list.TotalCount)

	out, err = run(t, dir, "audit", created.UID, "-o", "json")
	require.NoError(t, err)
	var trail []studyrepo.AuditTrailEntry
	require.NoError(t, json.Unmarshal([]byte(out), &trail))
	require.NotEmpty(t, trail)
	assert.Equal(t, studyrepo.ActionCreate, trail[len(trail)-1].Action)

	out, err = run(t, dir, "history", created.UID, "-o", "json")
	require.NoError(t, err)
	var history []studyrepo.Version
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	statuses := make([]study.Status, 0, len(history))
	for _, v := range history {
		statuses = append(statuses, v.Status)
	}
	assert.Equal(t, []study.Status{study.StatusDraft, study.StatusReleased, study.StatusLocked}, statuses)
	assert.Equal(t, "first lock", history[2].ChangeDescription)

	out, err = run(t, dir, "history", created.UID)
	require.NoError(t, err)
	assert.Contains(t, out, "LOCKED")

	_, err = run(t, dir, "get", "Study_999999")
	require.Error(t, err)
	_, err = run(t, dir, "history", "Study_999999")
	require.Error(t, err)
}
