package studyrepo

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/openstudybuilder/study-mdr/pkg/study"
)

// Filter is a parsed list filter expression such as
//
//	study_number = "0001" AND (project_number = "123" OR study_acronym ~ "dev")
//
// "=" and "!=" compare exactly, "~" is a case-insensitive substring match
// and null stands for a missing value.
type Filter struct {
	expr *filterOr
}

type filterOr struct {
	Terms []*filterAnd `parser:"@@ ( 'OR' @@ )*"`
}

type filterAnd struct {
	Terms []*filterTerm `parser:"@@ ( 'AND' @@ )*"`
}

type filterTerm struct {
	Not   bool       `parser:"@'NOT'?"`
	Group *filterOr  `parser:"( '(' @@ ')'"`
	Cmp   *filterCmp `parser:"| @@ )"`
}

type filterCmp struct {
	Field string       `parser:"@Ident"`
	Op    string       `parser:"@Operator"`
	Value *filterValue `parser:"@@"`
}

type filterValue struct {
	Null bool    `parser:"  @'NULL'"`
	Str  *string `parser:"| @String"`
}

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Keyword", Pattern: `(?i)\b(AND|OR|NOT|NULL)\b`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "String", Pattern: `"(?:\\.|[^"])*"`},
	{Name: "Operator", Pattern: `!=|=|~`},
	{Name: "Punct", Pattern: `[()]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var filterParser = participle.MustBuild[filterOr](
	participle.Lexer(filterLexer),
	participle.Unquote("String"),
	participle.Map(func(t lexer.Token) (lexer.Token, error) {
		t.Value = strings.ToUpper(t.Value)
		return t, nil
	}, "Keyword"),
	participle.Elide("Whitespace"),
)

// ParseFilter parses a list filter expression. Unknown field names are
// rejected.
func ParseFilter(expr string) (*Filter, error) {
	parsed, err := filterParser.ParseString("filter", expr)
	if err != nil {
		return nil, &study.ValidationError{Field: "filter", Message: err.Error()}
	}
	if err := parsed.check(); err != nil {
		return nil, err
	}
	return &Filter{expr: parsed}, nil
}

// Match reports whether the snapshot satisfies the filter.
func (f *Filter) Match(s study.DefinitionSnapshot) bool {
	if f == nil || f.expr == nil {
		return true
	}
	return f.expr.eval(s)
}

func (o *filterOr) check() error {
	for _, and := range o.Terms {
		for _, t := range and.Terms {
			if t.Group != nil {
				if err := t.Group.check(); err != nil {
					return err
				}
				continue
			}
			if _, ok := listFields[t.Cmp.Field]; !ok {
				return &study.ValidationError{Field: "filter", Message: fmt.Sprintf("unknown field %q", t.Cmp.Field)}
			}
		}
	}
	return nil
}

func (o *filterOr) eval(s study.DefinitionSnapshot) bool {
	for _, and := range o.Terms {
		if and.eval(s) {
			return true
		}
	}
	return false
}

func (a *filterAnd) eval(s study.DefinitionSnapshot) bool {
	for _, t := range a.Terms {
		if !t.eval(s) {
			return false
		}
	}
	return true
}

func (t *filterTerm) eval(s study.DefinitionSnapshot) bool {
	var ok bool
	if t.Group != nil {
		ok = t.Group.eval(s)
	} else {
		ok = t.Cmp.eval(s)
	}
	return ok != t.Not
}

func (c *filterCmp) eval(s study.DefinitionSnapshot) bool {
	got := listFields[c.Field](s)
	var want *string
	if !c.Value.Null {
		want = c.Value.Str
	}
	switch c.Op {
	case "=":
		return equalString(got, want)
	case "!=":
		return !equalString(got, want)
	case "~":
		if got == nil || want == nil {
			return false
		}
		return strings.Contains(strings.ToLower(*got), strings.ToLower(*want))
	}
	return false
}

// listFields are the snapshot fields list filters and sorting can use.
var listFields = map[string]func(study.DefinitionSnapshot) *string{
	"uid":             func(s study.DefinitionSnapshot) *string { return &s.UID },
	"study_status":    func(s study.DefinitionSnapshot) *string { v := string(s.Status); return &v },
	"study_id":        func(s study.DefinitionSnapshot) *string { return s.CurrentMetadata.StudyID() },
	"study_number":    func(s study.DefinitionSnapshot) *string { return s.CurrentMetadata.StudyNumber },
	"study_acronym":   func(s study.DefinitionSnapshot) *string { return s.CurrentMetadata.StudyAcronym },
	"study_id_prefix": func(s study.DefinitionSnapshot) *string { return s.CurrentMetadata.StudyIDPrefix },
	"project_number":  func(s study.DefinitionSnapshot) *string { return s.CurrentMetadata.ProjectNumber },
	"study_title":     func(s study.DefinitionSnapshot) *string { return s.CurrentMetadata.StudyTitle },
	"study_short_title": func(s study.DefinitionSnapshot) *string {
		return s.CurrentMetadata.StudyShortTitle
	},
	"version_timestamp": func(s study.DefinitionSnapshot) *string {
		t := s.CurrentMetadata.VersionTimestamp
		if t == nil {
			return nil
		}
		v := t.UTC().Format("2006-01-02T15:04:05.000000Z")
		return &v
	},
}
