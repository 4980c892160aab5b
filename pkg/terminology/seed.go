package terminology

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
)

// SeedData is a reference-data load: the terms, projects and library items
// studies may point at.
type SeedData struct {
	CTTerms         []CTTerm         `yaml:"ct_terms" json:"ct_terms"`
	DictionaryTerms []DictionaryTerm `yaml:"dictionary_terms" json:"dictionary_terms"`
	Projects        []Project        `yaml:"projects" json:"projects"`
	LibraryItems    []LibraryItem    `yaml:"library_items" json:"library_items"`
}

// CTTerm is a controlled terminology term. Final defaults to true.
type CTTerm struct {
	UID         string `yaml:"uid" json:"uid"`
	Name        string `yaml:"name" json:"name"`
	CodelistUID string `yaml:"codelist_uid" json:"codelist_uid"`
	Final       *bool  `yaml:"final,omitempty" json:"final,omitempty"`
}

// DictionaryTerm is a term of an external dictionary such as SNOMED.
type DictionaryTerm struct {
	UID        string `yaml:"uid" json:"uid"`
	Name       string `yaml:"name" json:"name"`
	Dictionary string `yaml:"dictionary" json:"dictionary"`
}

// Project groups studies under a clinical programme.
type Project struct {
	ProjectNumber         string `yaml:"project_number" json:"project_number"`
	Name                  string `yaml:"name" json:"name"`
	Description           string `yaml:"description" json:"description"`
	ClinicalProgrammeName string `yaml:"clinical_programme_name" json:"clinical_programme_name"`
}

// LibraryItem is a library object (objective, endpoint, criteria template,
// activity) a study selection can point at. Parent links it one hop further
// to another library item, e.g. an instance to its template.
type LibraryItem struct {
	UID    string `yaml:"uid" json:"uid"`
	Kind   string `yaml:"kind" json:"kind"`
	Name   string `yaml:"name" json:"name"`
	Parent string `yaml:"parent,omitempty" json:"parent,omitempty"`
}

// SeedResult counts the nodes a Seed call created and skipped.
type SeedResult struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// RelDerivedFrom links a library item to its parent.
const RelDerivedFrom = "DERIVED_FROM"

// ParseSeed decodes YAML (or JSON) reference data.
func ParseSeed(r io.Reader) (SeedData, error) {
	var data SeedData
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&data); err != nil && err != io.EOF {
		return SeedData{}, fmt.Errorf("decode reference data: %w", err)
	}
	return data, nil
}

// LoadSeedFile reads reference data from a YAML file.
func LoadSeedFile(path string) (SeedData, error) {
	f, err := os.Open(path)
	if err != nil {
		return SeedData{}, fmt.Errorf("open reference data: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// Validate checks that every entry carries its key.
func (d SeedData) Validate() error {
	for i, t := range d.CTTerms {
		if t.UID == "" {
			return &study.ValidationError{Field: fmt.Sprintf("ct_terms[%d].uid", i), Message: "uid is required"}
		}
	}
	for i, t := range d.DictionaryTerms {
		if t.UID == "" {
			return &study.ValidationError{Field: fmt.Sprintf("dictionary_terms[%d].uid", i), Message: "uid is required"}
		}
	}
	for i, p := range d.Projects {
		if p.ProjectNumber == "" {
			return &study.ValidationError{Field: fmt.Sprintf("projects[%d].project_number", i), Message: "project_number is required"}
		}
	}
	for i, l := range d.LibraryItems {
		if l.UID == "" {
			return &study.ValidationError{Field: fmt.Sprintf("library_items[%d].uid", i), Message: "uid is required"}
		}
	}
	return nil
}

// Seed creates the reference-data nodes of data that do not exist yet.
// Existing nodes are left untouched.
func (r *Resolver) Seed(ctx context.Context, tx graph.Tx, data SeedData) (SeedResult, error) {
	if err := data.Validate(); err != nil {
		return SeedResult{}, err
	}
	var res SeedResult
	create := func(label, key string, props graph.Props) (*graph.Node, error) {
		existing, err := tx.FindNode(ctx, label, key)
		if err != nil {
			return nil, fmt.Errorf("find %s %s: %w", label, key, err)
		}
		if existing != nil {
			res.Existing++
			return existing, nil
		}
		n := &graph.Node{Label: label, Key: key, Props: props}
		if err := tx.CreateNode(ctx, n); err != nil {
			return nil, fmt.Errorf("create %s %s: %w", label, key, err)
		}
		res.Created++
		return n, nil
	}

	for _, t := range data.CTTerms {
		final := t.Final == nil || *t.Final
		if _, err := create(LabelCTTerm, t.UID, graph.Props{
			"uid": t.UID, "name": t.Name, "codelist_uid": t.CodelistUID, "final": final,
		}); err != nil {
			return res, err
		}
	}
	for _, t := range data.DictionaryTerms {
		if _, err := create(LabelDictionaryTerm, t.UID, graph.Props{
			"uid": t.UID, "name": t.Name, "dictionary": t.Dictionary,
		}); err != nil {
			return res, err
		}
	}
	for _, p := range data.Projects {
		if _, err := create(LabelProject, p.ProjectNumber, graph.Props{
			"project_number":          p.ProjectNumber,
			"name":                    p.Name,
			"description":             p.Description,
			"clinical_programme_name": p.ClinicalProgrammeName,
		}); err != nil {
			return res, err
		}
	}

	items := make(map[string]*graph.Node, len(data.LibraryItems))
	for _, l := range data.LibraryItems {
		n, err := create(LabelLibraryItem, l.UID, graph.Props{"uid": l.UID, "kind": l.Kind, "name": l.Name})
		if err != nil {
			return res, err
		}
		items[l.UID] = n
	}
	for _, l := range data.LibraryItems {
		if l.Parent == "" {
			continue
		}
		parent, err := r.find(ctx, tx, LabelLibraryItem, l.Parent)
		if err != nil {
			return res, err
		}
		if parent == nil {
			return res, &study.ValidationError{Field: "library_items", Message: fmt.Sprintf("parent %s of %s is not defined", l.Parent, l.UID)}
		}
		existing, err := tx.Outgoing(ctx, items[l.UID].ID, RelDerivedFrom)
		if err != nil {
			return res, err
		}
		if len(existing) > 0 {
			continue
		}
		if err := tx.CreateRelationship(ctx, &graph.Relationship{
			Type: RelDerivedFrom, From: items[l.UID].ID, To: parent.ID,
		}); err != nil {
			return res, fmt.Errorf("link %s to %s: %w", l.UID, l.Parent, err)
		}
	}

	r.InvalidateLabels(LabelCTTerm, LabelDictionaryTerm, LabelProject, LabelLibraryItem)
	return res, nil
}
