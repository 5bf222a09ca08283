package season

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var (
	sheetSeasons        = []string{"SEASON_MASTER", "SEASONS"}
	sheetTypes          = []string{"TYPE_PRESETS", "TYPES"}
	sheetKeywords       = []string{"KEYWORDS", "KEYWORD"}
	sheetGlobalExcludes = []string{"EXCLUDE_KEYWORDS", "COMMON_EXCLUDE_KEYWORDS", "GLOBAL_EXCLUDES"}
	sheetSettings       = []string{"SETTINGS"}
)

var (
	colSeasonID  = []string{"시즌ID", "시즌", "season_id", "season"}
	colName      = []string{"시즌명", "시즌이름", "season_name", "name"}
	colType      = []string{"타입ID", "타입", "type_id", "type", "category"}
	colStart     = []string{"시작일", "시즌시작일", "start_date", "start_mmdd", "start", "시작"}
	colEnd       = []string{"종료일", "시즌종료일", "end_date", "end_mmdd", "end", "종료"}
	colCrossYear = []string{"연도교차", "연도넘김", "연도초과", "시즌교차여부", "cross_year", "crossyear"}
	colLead      = []string{"소싱시작일수", "소싱시작", "sourcing_start_days", "lead_days", "prep_days", "prep_override", "prep_override_days"}
	colLag       = []string{"가공완료마감일수", "가공완료마감", "processing_end_days", "lag_days", "grace_days", "grace_override", "grace_override_days"}
	colPriority  = []string{"우선순위", "우선도", "priority"}
	colEnabled   = []string{"사용여부", "enabled", "use", "active"}

	colTypePrep  = []string{"prep_days", "prep", "lead_days", "소싱기간"}
	colTypeGrace = []string{"grace_days", "grace", "lag_days", "유예기간"}
	colTypeScore = []string{"score_min", "min_score", "score", "점수최소값"}

	colKeyword  = []string{"키워드", "단어", "keyword"}
	colPolarity = []string{"포함/제외", "포함여부", "극성", "종류", "polarity", "타입", "type"}
	colWeight   = []string{"가중치", "점수", "weight"}

	colSettingKey   = []string{"설정", "key", "setting"}
	colSettingValue = []string{"값", "value"}
)

var parenContent = regexp.MustCompile(`\(([^)]+)\)`)

type sheetTable struct {
	name   string
	header []string
	rows   [][]string
}

// column finds the first alias present in the header. Exact matches win; then a header such as
// "시즌ID(season_id)" matches by its text before the first parenthesis or by any parenthesised part.
func (t *sheetTable) column(aliases []string) int {
	for _, alias := range aliases {
		for i, h := range t.header {
			if strings.EqualFold(strings.TrimSpace(h), alias) {
				return i
			}
		}
	}
	for _, alias := range aliases {
		for i, h := range t.header {
			if !strings.Contains(h, "(") {
				continue
			}
			before := strings.TrimSpace(strings.SplitN(h, "(", 2)[0])
			if strings.EqualFold(before, alias) {
				return i
			}
			for _, m := range parenContent.FindAllStringSubmatch(h, -1) {
				inside := strings.TrimSpace(m[1])
				if strings.EqualFold(inside, alias) {
					return i
				}
				// "(polarity: include/exclude)"
				if k, _, ok := strings.Cut(inside, ":"); ok && strings.EqualFold(strings.TrimSpace(k), alias) {
					return i
				}
			}
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	v := strings.TrimSpace(row[idx])
	switch strings.ToLower(v) {
	case "nan", "none", "null":
		return ""
	}
	return v
}

func parseFlag(v string, def bool) bool {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "":
		return def
	case "Y", "YES", "TRUE", "1", "O", "사용", "예":
		return true
	}
	return false
}

func parseDays(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"01-02-06",
	"1-2-06",
	"01/02/06",
	"1/2/06",
	"01/02/2006",
	"1/2/2006",
	"Jan 2",
	"2-Jan",
}

// normalizeMonthDay turns the many shapes a spreadsheet date cell takes into "MM-DD".
// Values that cannot be read are returned unchanged so evaluation surfaces them as invalid.
func normalizeMonthDay(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if md, err := ParseMonthDay(v); err == nil {
		return md.String()
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return fmt.Sprintf("%02d-%02d", int(t.Month()), t.Day())
		}
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil && serial > 0 {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return fmt.Sprintf("%02d-%02d", int(t.Month()), t.Day())
		}
	}
	return v
}

func readSheet(f *excelize.File, names []string) (*sheetTable, error) {
	var found string
	for _, want := range names {
		for _, have := range f.GetSheetList() {
			if strings.EqualFold(strings.TrimSpace(have), want) {
				found = have
				break
			}
		}
		if found != "" {
			break
		}
	}
	if found == "" {
		return nil, nil
	}
	rows, err := f.GetRows(found)
	if err != nil {
		return nil, fmt.Errorf("unable to read sheet %s: %v", found, err)
	}
	t := &sheetTable{name: found}
	for i, r := range rows {
		if i == 0 {
			t.header = r
			continue
		}
		empty := true
		for _, c := range r {
			if strings.TrimSpace(c) != "" {
				empty = false
				break
			}
		}
		if !empty {
			t.rows = append(t.rows, r)
		}
	}
	return t, nil
}

// Fingerprint is the snapshot version of a workbook's bytes.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func readWorkbookFile(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: season workbook path not set", utils.ErrConfigurationMissing)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: season workbook %s not found", utils.ErrConfigurationMissing, path)
		}
		return nil, err
	}
	return data, nil
}

// LoadWorkbook reads a season workbook from disk into a snapshot versioned by the file's fingerprint.
func LoadWorkbook(path string) (*Snapshot, error) {
	data, err := readWorkbookFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWorkbook(bytes.NewReader(data), Fingerprint(data))
}

// ParseWorkbook reads SEASON_MASTER, TYPE_PRESETS, KEYWORDS, EXCLUDE_KEYWORDS and SETTINGS.
// Only SEASON_MASTER is required.
func ParseWorkbook(r io.Reader, version string) (*Snapshot, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open season workbook: %v", utils.ErrConfigurationMissing, err)
	}
	defer f.Close()

	logger := config.GetLogger()
	snap := &Snapshot{
		Version: version,
		Types:   map[string]TypePreset{},
	}

	if t, err := readSheet(f, sheetSettings); err != nil {
		return nil, err
	} else if t != nil {
		parseSettings(t, snap)
	}

	types, err := readSheet(f, sheetTypes)
	if err != nil {
		return nil, err
	}
	if types != nil {
		parseTypes(types, snap)
	}

	seasons, err := readSheet(f, sheetSeasons)
	if err != nil {
		return nil, err
	}
	if seasons == nil {
		return nil, fmt.Errorf("%w: SEASON_MASTER sheet not found", utils.ErrConfigurationMissing)
	}
	if err := parseSeasons(seasons, snap); err != nil {
		return nil, err
	}

	keywords, err := readSheet(f, sheetKeywords)
	if err != nil {
		return nil, err
	}
	if keywords != nil {
		parseKeywords(keywords, snap)
	}

	excludes, err := readSheet(f, sheetGlobalExcludes)
	if err != nil {
		return nil, err
	}
	if excludes != nil {
		col := excludes.column(colKeyword)
		if col < 0 {
			col = 0
		}
		seen := map[string]bool{}
		for _, row := range excludes.rows {
			kw := cell(row, col)
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			snap.GlobalExcludes = append(snap.GlobalExcludes, kw)
		}
	}

	for i := range snap.Seasons {
		if err := utils.ValidateStruct(&snap.Seasons[i]); err != nil {
			config.LogWarn(logger, "season", "ParseWorkbook", "season row failed validation", snap.Seasons[i].ID, err.Error())
		}
	}
	return snap, nil
}

func parseSettings(t *sheetTable, snap *Snapshot) {
	kCol, vCol := t.column(colSettingKey), t.column(colSettingValue)
	if kCol < 0 || vCol < 0 {
		return
	}
	for _, row := range t.rows {
		switch strings.ToLower(cell(row, kCol)) {
		case "case_sensitive", "대소문자구분":
			snap.Settings.CaseSensitive = parseFlag(cell(row, vCol), false)
		}
	}
}

func parseTypes(t *sheetTable, snap *Snapshot) {
	idCol := t.column(colType)
	if idCol < 0 {
		return
	}
	prepCol, graceCol, scoreCol := t.column(colTypePrep), t.column(colTypeGrace), t.column(colTypeScore)
	for _, row := range t.rows {
		id := cell(row, idCol)
		if id == "" {
			continue
		}
		preset := TypePreset{LeadDays: DefaultLeadDays, LagDays: DefaultLagDays, MinScore: DefaultMinScore}
		if v, ok := parseDays(cell(row, prepCol)); ok {
			preset.LeadDays = v
		}
		if v, ok := parseDays(cell(row, graceCol)); ok {
			preset.LagDays = v
		}
		if v := cell(row, scoreCol); v != "" {
			if d, err := utils.ParseDecimal(v); err == nil {
				preset.MinScore = d
			}
		}
		snap.Types[id] = preset
	}
}

func parseSeasons(t *sheetTable, snap *Snapshot) error {
	idCol := t.column(colSeasonID)
	if idCol < 0 {
		return utils.NewValidationError("season_id", "sheet %s has no season id column", t.name)
	}
	nameCol, typeCol := t.column(colName), t.column(colType)
	startCol, endCol, crossCol := t.column(colStart), t.column(colEnd), t.column(colCrossYear)
	leadCol, lagCol := t.column(colLead), t.column(colLag)
	prioCol, enabledCol := t.column(colPriority), t.column(colEnabled)

	seen := map[string]bool{}
	for _, row := range t.rows {
		id := cell(row, idCol)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		s := Season{
			ID:        id,
			Name:      cell(row, nameCol),
			Type:      cell(row, typeCol),
			Start:     normalizeMonthDay(cell(row, startCol)),
			End:       normalizeMonthDay(cell(row, endCol)),
			CrossYear: parseFlag(cell(row, crossCol), false),
			Priority:  1,
			Enabled:   parseFlag(cell(row, enabledCol), true),
		}
		if s.Name == "" {
			s.Name = id
		}
		if s.Type == "" {
			s.Type = DefaultTypeID
		}

		preset, hasPreset := snap.Types[s.Type]
		s.LeadDays, s.LagDays = DefaultLeadDays, DefaultLagDays
		if hasPreset {
			s.LeadDays, s.LagDays = preset.LeadDays, preset.LagDays
		}
		if v, ok := parseDays(cell(row, leadCol)); ok {
			s.LeadDays = v
		}
		if v, ok := parseDays(cell(row, lagCol)); ok {
			s.LagDays = v
		}
		if v, ok := parseDays(cell(row, prioCol)); ok {
			s.Priority = v
		}
		snap.Seasons = append(snap.Seasons, s)
	}
	return nil
}

func parseKeywords(t *sheetTable, snap *Snapshot) {
	sidCol, kwCol := t.column(colSeasonID), t.column(colKeyword)
	if sidCol < 0 || kwCol < 0 {
		return
	}
	polCol, weightCol := t.column(colPolarity), t.column(colWeight)

	index := make(map[string]int, len(snap.Seasons))
	for i := range snap.Seasons {
		index[snap.Seasons[i].ID] = i
	}
	for _, row := range t.rows {
		i, ok := index[cell(row, sidCol)]
		if !ok {
			continue
		}
		word := cell(row, kwCol)
		if word == "" {
			continue
		}
		weight := decimal.NewFromInt(1)
		if v := cell(row, weightCol); v != "" {
			if d, err := utils.ParseDecimal(v); err == nil {
				weight = d
			}
		}
		kw := Keyword{Keyword: word, Weight: weight}
		kws := &snap.Seasons[i].Keywords
		switch strings.ToLower(cell(row, polCol)) {
		case "exclude", "제외", "0", "false", "no":
			kws.Exclude = append(kws.Exclude, kw)
		case "allowed", "allow", "예외허용", "예외":
			kws.Allowed = append(kws.Allowed, kw)
		default:
			kws.Include = append(kws.Include, kw)
		}
	}
}
