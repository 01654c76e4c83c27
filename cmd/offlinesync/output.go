package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/synckit"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type recordView struct {
	Bucket          string           `json:"bucket" yaml:"bucket"`
	ID              string           `json:"id" yaml:"id"`
	State           types.SyncState  `json:"state" yaml:"state"`
	ETag            string           `json:"etag,omitempty" yaml:"etag,omitempty"`
	ServerTimestamp string           `json:"serverTimestamp,omitempty" yaml:"serverTimestamp,omitempty"`
	Document        *document.Object `json:"document" yaml:"document"`
}

func newRecordView(r *types.ObjectRecord) recordView {
	return recordView{
		Bucket:          r.Bucket,
		ID:              r.ObjectID,
		State:           r.State,
		ETag:            r.ETag,
		ServerTimestamp: r.ServerTimestamp,
		Document:        r.Document,
	}
}

type queryView struct {
	Count   *int         `json:"count,omitempty" yaml:"count,omitempty"`
	Records []recordView `json:"records" yaml:"records"`
}

type conflictView struct {
	Local         recordView  `json:"local" yaml:"local"`
	Server        *recordView `json:"server,omitempty" yaml:"server,omitempty"`
	ServerDeleted bool        `json:"serverDeleted,omitempty" yaml:"serverDeleted,omitempty"`
}

func newConflictView(c synckit.Conflict) conflictView {
	v := conflictView{Local: newRecordView(c.Local)}
	if c.Snapshot != nil {
		v.ServerDeleted = c.Snapshot.ServerDeleted
		if c.Snapshot.Server != nil {
			sv := newRecordView(c.Snapshot.Server)
			v.Server = &sv
		}
	}
	return v
}

type resultView struct {
	Bucket      string             `json:"bucket" yaml:"bucket"`
	Status      synckit.SyncStatus `json:"status" yaml:"status"`
	Pulled      int                `json:"pulled" yaml:"pulled"`
	Pushed      int                `json:"pushed" yaml:"pushed"`
	Conflicts   int                `json:"conflicts" yaml:"conflicts"`
	IDConflicts int                `json:"idConflicts" yaml:"idConflicts"`
	PushErrors  int                `json:"pushErrors" yaml:"pushErrors"`
	Errors      []string           `json:"errors,omitempty" yaml:"errors,omitempty"`
	Duration    string             `json:"duration" yaml:"duration"`
}

func newResultView(r *synckit.SyncResult) resultView {
	v := resultView{
		Bucket:      r.Bucket,
		Status:      r.Status,
		Pulled:      r.Pulled,
		Pushed:      r.Pushed,
		Conflicts:   r.Conflicts,
		IDConflicts: r.IDConflicts,
		PushErrors:  r.PushErrors,
		Duration:    r.Duration.Round(time.Millisecond).String(),
	}
	for _, err := range r.Errors {
		v.Errors = append(v.Errors, err.Error())
	}
	return v
}

// printer renders command output in the selected format. text is the
// table form written by the text callback.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (printer, error) {
	switch strings.ToLower(format) {
	case formatText, formatJSON, formatYAML:
		return printer{w: w, format: strings.ToLower(format)}, nil
	}
	return printer{}, fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

func (p printer) print(v any, text func(w *tabwriter.Writer)) error {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
		text(tw)
		return tw.Flush()
	}
}

func compactJSON(o *document.Object) string {
	if o == nil {
		return "null"
	}
	data, err := json.Marshal(o)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(data)
}

func writeRecords(tw *tabwriter.Writer, recs []recordView) {
	fmt.Fprintln(tw, "ID\tSTATE\tETAG\tDOCUMENT")
	for _, r := range recs {
		etag := r.ETag
		if etag == "" {
			etag = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.State, etag, compactJSON(r.Document))
	}
}
