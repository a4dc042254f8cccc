// Package dataset imports call manifests kept as spreadsheets: one row per recorded
// call with its recording location, agent and timing.
package dataset

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// timeLayouts are tried in order for started/ended cells.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"1/2/06 15:04",
}

// SkippedRow explains why a manifest row did not produce a call.
type SkippedRow struct {
	Row    int // 1-based, as shown by spreadsheet tools
	Reason string
}

type Manifest struct {
	Calls   []types.Call
	Skipped []SkippedRow
}

type columns struct {
	recording, org, agent, started, ended, duration, resolution int
}

// LoadCalls reads the first sheet of the workbook at path. Rows without a recording
// or with unreadable times are skipped and reported, not fatal. Calls whose row
// carries no organization get defaultOrg.
func LoadCalls(path string, defaultOrg uuid.UUID) (Manifest, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	return ReadCalls(f, defaultOrg)
}

func ReadCalls(f *excelize.File, defaultOrg uuid.UUID) (Manifest, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Manifest{}, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Manifest{}, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return Manifest{}, fmt.Errorf("no data rows")
	}

	cols := detectColumns(rows[0])
	if cols.recording == -1 {
		return Manifest{}, fmt.Errorf("no recording column in header %q", rows[0])
	}

	var m Manifest
	for i, r := range rows[1:] {
		rowNum := i + 2
		call, reason := parseRow(r, cols, defaultOrg)
		if reason != "" {
			m.Skipped = append(m.Skipped, SkippedRow{Row: rowNum, Reason: reason})
			continue
		}
		m.Calls = append(m.Calls, call)
	}
	return m, nil
}

// detectColumns matches header cells by keyword, first match wins.
func detectColumns(header []string) columns {
	c := columns{-1, -1, -1, -1, -1, -1, -1}
	set := func(idx *int, i int) {
		if *idx == -1 {
			*idx = i
		}
	}
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "recording") || strings.Contains(l, "audio") || strings.Contains(l, "url"):
			set(&c.recording, i)
		case strings.Contains(l, "org"):
			set(&c.org, i)
		case strings.Contains(l, "agent"):
			set(&c.agent, i)
		case strings.Contains(l, "start"):
			set(&c.started, i)
		case strings.Contains(l, "end"):
			set(&c.ended, i)
		case strings.Contains(l, "duration"):
			set(&c.duration, i)
		case strings.Contains(l, "resolution") || strings.Contains(l, "status"):
			set(&c.resolution, i)
		}
	}
	return c
}

func parseRow(r []string, cols columns, defaultOrg uuid.UUID) (types.Call, string) {
	cell := func(idx int) string {
		if idx < 0 || idx >= len(r) {
			return ""
		}
		return strings.TrimSpace(r[idx])
	}

	recording := cell(cols.recording)
	if recording == "" {
		return types.Call{}, "missing recording"
	}

	var started, ended time.Time
	if s := cell(cols.started); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return types.Call{}, fmt.Sprintf("started: %v", err)
		}
		started = t
	}
	if s := cell(cols.ended); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return types.Call{}, fmt.Sprintf("ended: %v", err)
		}
		ended = t
	}
	if ended.IsZero() && !started.IsZero() {
		if secs, err := strconv.ParseFloat(cell(cols.duration), 64); err == nil && secs > 0 {
			ended = started.Add(time.Duration(secs * float64(time.Second)))
		}
	}
	if !started.IsZero() && !ended.IsZero() && ended.Before(started) {
		return types.Call{}, "ended before started"
	}

	org := defaultOrg
	if s := cell(cols.org); s != "" {
		org = entityID(s)
	}
	if org == uuid.Nil {
		return types.Call{}, "missing organization"
	}

	call := types.NewCall(org, entityID(cell(cols.agent)), recording, started, ended)
	if strings.EqualFold(cell(cols.resolution), string(types.ResolutionResolved)) {
		call.ResolutionStatus = types.ResolutionResolved
	}
	return call, ""
}

// entityID accepts a UUID as is and maps any other name to a stable UUID, so the
// same agent name always lands on the same id across imports.
func entityID(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	if id, err := uuid.Parse(s); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.ToLower(s)))
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	// spreadsheet serial date
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		return excelize.ExcelDateToTime(serial, false)
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
