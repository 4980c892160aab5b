package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
	"github.com/openstudybuilder/study-mdr/pkg/studyrepo"
)

func printStudy(cmd *cobra.Command, format string, s study.DefinitionSnapshot) error {
	if format != "table" {
		return printOutput(cmd.OutOrStdout(), format, s)
	}
	m := s.CurrentMetadata
	printTable(cmd.OutOrStdout(), []string{"Field", "Value"}, [][]string{
		{"UID", s.UID},
		{"Status", string(s.Status)},
		{"Study ID", deref(m.StudyID())},
		{"Acronym", deref(m.StudyAcronym)},
		{"Project", deref(m.ProjectNumber)},
		{"Title", deref(m.StudyTitle)},
		{"Released", strconv.FormatBool(s.ReleasedMetadata != nil)},
		{"Locked versions", strconv.Itoa(len(s.LockedMetadataVersions))},
	})
	return nil
}

func newCreateCmd(opts *options) *cobra.Command {
	var number, acronym, prefix, project, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft study",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var m study.MetadataSnapshot
			for _, f := range []struct {
				name string
				val  string
				dst  **string
			}{
				{"number", number, &m.StudyNumber},
				{"acronym", acronym, &m.StudyAcronym},
				{"prefix", prefix, &m.StudyIDPrefix},
				{"project", project, &m.ProjectNumber},
				{"title", title, &m.StudyTitle},
			} {
				if cmd.Flags().Changed(f.name) {
					*f.dst = study.Ptr(f.val)
				}
			}
			return opts.withEnv(cmd, func(e *env) error {
				ctx := cmd.Context()
				var created study.DefinitionSnapshot
				err := graph.RunInTx(ctx, e.store, func(tx graph.Tx) error {
					uid, err := e.repo.GenerateUID(ctx, tx)
					if err != nil {
						return err
					}
					if created, err = study.NewDraftSnapshot(uid, m, time.Now().UTC()); err != nil {
						return err
					}
					return e.repo.Create(ctx, tx, created)
				})
				if err != nil {
					return err
				}
				return printStudy(cmd, opts.outputFmt, created)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&number, "number", "", "Study number (at most 4 digits)")
	f.StringVar(&acronym, "acronym", "", "Study acronym")
	f.StringVar(&prefix, "prefix", "", "Study id prefix")
	f.StringVar(&project, "project", "", "Project number")
	f.StringVar(&title, "title", "", "Study title")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get UID",
		Short: "Show a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				snap, _, err := e.repo.Load(cmd.Context(), nil, args[0], false)
				if err != nil {
					return err
				}
				if snap == nil {
					return fmt.Errorf("study %s not found", args[0])
				}
				return printStudy(cmd, opts.outputFmt, *snap)
			})
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var (
		sortBy     []string
		filter     string
		page, size int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List studies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			listOpts := studyrepo.ListOptions{Filter: filter, PageNumber: page, PageSize: size, TotalCount: true}
			for _, s := range sortBy {
				field, dir, _ := strings.Cut(s, ":")
				listOpts.SortBy = append(listOpts.SortBy, studyrepo.SortField{Field: field, Ascending: dir != "desc"})
			}
			return opts.withEnv(cmd, func(e *env) error {
				res, err := e.repo.List(cmd.Context(), nil, listOpts)
				if err != nil {
					return err
				}
				if opts.outputFmt != "table" {
					return printOutput(cmd.OutOrStdout(), opts.outputFmt, res)
				}
				rows := make([][]string, 0, len(res.Items))
				for _, s := range res.Items {
					m := s.CurrentMetadata
					rows = append(rows, []string{s.UID, string(s.Status), deref(m.StudyID()), deref(m.StudyAcronym), deref(m.ProjectNumber)})
				}
				printTable(cmd.OutOrStdout(), []string{"UID", "Status", "Study ID", "Acronym", "Project"}, rows)
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d studies\n", len(res.Items), res.TotalCount)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&sortBy, "sort", nil, "Sort fields as field[:asc|desc]")
	f.StringVar(&filter, "filter", "", `Filter expression, e.g. 'project_number = "123"'`)
	f.IntVar(&page, "page", 0, "Page number (1-based)")
	f.IntVar(&size, "size", 0, "Page size (0 lists every study)")
	return cmd
}

func newAuditCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "audit UID",
		Short: "Show the audit trail of a study, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				entries, err := e.repo.AuditTrail(cmd.Context(), nil, args[0])
				if err != nil {
					return err
				}
				if entries == nil {
					return fmt.Errorf("study %s not found", args[0])
				}
				if opts.outputFmt != "table" {
					return printOutput(cmd.OutOrStdout(), opts.outputFmt, entries)
				}
				var rows [][]string
				for _, entry := range entries {
					for _, c := range entry.Changes {
						rows = append(rows, []string{
							entry.Date.Format(time.RFC3339), entry.Author, entry.Action,
							string(c.Section), c.Field, deref(c.Before), deref(c.After),
						})
					}
				}
				printTable(cmd.OutOrStdout(), []string{"Date", "Author", "Action", "Section", "Field", "Before", "After"}, rows)
				return nil
			})
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history UID",
		Short: "List the draft, locked and released versions of a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				versions, err := e.repo.History(cmd.Context(), nil, args[0])
				if err != nil {
					return err
				}
				if versions == nil {
					return fmt.Errorf("study %s not found", args[0])
				}
				if opts.outputFmt != "table" {
					return printOutput(cmd.OutOrStdout(), opts.outputFmt, versions)
				}
				rows := make([][]string, 0, len(versions))
				for _, v := range versions {
					number, ended := "", ""
					if v.Version != nil {
						number = strconv.Itoa(*v.Version)
					}
					if v.EndDate != nil {
						ended = v.EndDate.Format(time.RFC3339)
					}
					rows = append(rows, []string{
						string(v.Status), number, v.StartDate.Format(time.RFC3339), ended,
						v.Author, v.ChangeDescription,
					})
				}
				printTable(cmd.OutOrStdout(), []string{"Status", "Version", "Start", "End", "Author", "Description"}, rows)
				return nil
			})
		},
	}
}

func newActionCmd(opts *options, action, short string) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   action + " UID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid := args[0]
			return opts.withEnv(cmd, func(e *env) error {
				ctx := cmd.Context()
				var next study.DefinitionSnapshot
				err := graph.RunInTx(ctx, e.store, func(tx graph.Tx) error {
					snap, cl, err := e.repo.Load(ctx, tx, uid, true)
					if err != nil {
						return err
					}
					if snap == nil {
						return fmt.Errorf("study %s not found", uid)
					}
					if next, err = study.Apply(*snap, action, e.repo.User(), description, time.Now().UTC()); err != nil {
						return err
					}
					return e.repo.Save(ctx, tx, next, cl)
				})
				if err != nil {
					return err
				}
				return printStudy(cmd, opts.outputFmt, next)
			})
		},
	}
	if action == study.ActionLock {
		cmd.Flags().StringVarP(&description, "message", "m", "", "Change description of the locked version")
	}
	return cmd
}
