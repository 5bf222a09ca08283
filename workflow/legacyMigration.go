package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/listing_backend/config"
	"github.com/mmdatafocus/listing_backend/models"
	"github.com/mmdatafocus/listing_backend/utils"
	"go.opentelemetry.io/otel"
)

const defaultLegacyPageSize = 500

type LegacyMigrationOptions struct {
	// DryRun classifies every record without writing grants or audit rows.
	DryRun bool
	// GenerateMissing first generates combinations for products that have none.
	GenerateMissing bool
	PageSize        int
	Progress        func(models.LegacyMigrationRun)
}

type LegacyMigrationReport struct {
	Run models.LegacyMigrationRun `json:"run"`
	// Outcomes is only filled on dry runs; real runs persist them instead.
	Outcomes []models.LegacyMigrationOutcome `json:"outcomes,omitempty"`
}

// legacyStrategy is the JSON some upload logs carry in upload_strategy.
type legacyStrategy struct {
	LineIndex        *int   `json:"line_index"`
	ProductNameIndex *int   `json:"product_name_index"`
	URLType          string `json:"url_type"`
}

// legacyRunState is shared by every record of one run. claims holds the storefront each
// (channel, product, index) went to earlier in the run, so a dry run classifies repeats the way
// the applied run would.
type legacyRunState struct {
	combos map[string][]models.Combination
	claims map[string]string
}

func newLegacyRunState() *legacyRunState {
	return &legacyRunState{combos: map[string][]models.Combination{}, claims: map[string]string{}}
}

func legacyClaimKey(channel, code string, index int) string {
	return fmt.Sprintf("%s|%s|%d", channel, code, index)
}

type legacyMatch struct {
	variants []models.CombinationVariant
	position *int
}

// MigrateLegacyAssignments replays successful upload logs into structured grants. Each record is
// matched to the product's combinations by name, variant, name position and image URL. A single
// candidate is granted with source legacy-migration (the one-per-storefront policy is not applied);
// zero candidates are no-match and several are ambiguous. Every record gets an audit outcome.
func (e *AllocationEngine) MigrateLegacyAssignments(ctx context.Context, opts LegacyMigrationOptions) (*LegacyMigrationReport, error) {
	ctx, span := otel.Tracer("listing_backend/workflow").Start(ctx, "MigrateLegacyAssignments")
	defer span.End()

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultLegacyPageSize
	}

	started := time.Now().UTC()
	report := &LegacyMigrationReport{Run: models.LegacyMigrationRun{
		RunKey:    uuid.NewString(),
		DryRun:    opts.DryRun,
		Status:    models.SyncRunStatusRunning,
		StartedAt: &started,
	}}
	run := &report.Run
	if !opts.DryRun {
		if err := e.db.WithContext(ctx).Create(run).Error; err != nil {
			return nil, utils.PersistenceError("create legacy migration run", err)
		}
	}

	if opts.GenerateMissing && !opts.DryRun {
		if _, err := SyncCombinations(ctx, e.db, e.logger, SyncOptions{OnlyMissing: true}); err != nil {
			e.finishLegacyRun(ctx, run, models.SyncRunStatusFailed)
			return report, err
		}
	}

	state := newLegacyRunState()
	var afterId uint
	for {
		if err := ctx.Err(); err != nil {
			e.finishLegacyRun(ctx, run, models.SyncRunStatusCancelled)
			return report, err
		}
		records, err := models.ListSuccessfulUploadRecords(ctx, e.db, afterId, pageSize)
		if err != nil {
			e.finishLegacyRun(ctx, run, models.SyncRunStatusFailed)
			return report, err
		}
		if len(records) == 0 {
			break
		}

		outcomes := make([]models.LegacyMigrationOutcome, 0, len(records))
		for i := range records {
			out := e.migrateLegacyRecord(ctx, &records[i], state, opts.DryRun)
			out.RunId = run.ID
			countLegacyOutcome(run, out.Outcome)
			outcomes = append(outcomes, out)
		}

		if opts.DryRun {
			report.Outcomes = append(report.Outcomes, outcomes...)
		} else {
			if err := e.db.WithContext(ctx).CreateInBatches(outcomes, 200).Error; err != nil {
				config.LogError(e.logger, "legacyMigration.go", "MigrateLegacyAssignments", "write outcomes", run.RunKey, err)
			}
			if err := e.db.WithContext(ctx).Save(run).Error; err != nil {
				config.LogError(e.logger, "legacyMigration.go", "MigrateLegacyAssignments", "save run", run.RunKey, err)
			}
		}
		if opts.Progress != nil {
			opts.Progress(*run)
		}

		afterId = records[len(records)-1].ID
		if len(records) < pageSize {
			break
		}
	}

	status := models.SyncRunStatusSuccess
	if run.Invalid > 0 {
		status = models.SyncRunStatusPartial
	}
	e.finishLegacyRun(ctx, run, status)
	return report, nil
}

func (e *AllocationEngine) finishLegacyRun(ctx context.Context, run *models.LegacyMigrationRun, status string) {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	if run.DryRun || run.ID == 0 {
		return
	}
	// the run row is closed even when ctx is done
	if err := e.db.WithContext(context.WithoutCancel(ctx)).Save(run).Error; err != nil {
		config.LogError(e.logger, "legacyMigration.go", "finishLegacyRun", "save run", run.RunKey, err)
	}
}

func countLegacyOutcome(run *models.LegacyMigrationRun, outcome string) {
	run.Scanned++
	switch outcome {
	case models.LegacyOutcomeMigrated:
		run.Migrated++
	case models.LegacyOutcomeAlreadyPresent:
		run.AlreadyPresent++
	case models.LegacyOutcomeNoMatch:
		run.NoMatch++
	case models.LegacyOutcomeAmbiguous:
		run.Ambiguous++
	case models.LegacyOutcomeConflict:
		run.Conflicts++
	default:
		run.Invalid++
	}
}

func (e *AllocationEngine) migrateLegacyRecord(ctx context.Context, rec *models.UploadRecord, state *legacyRunState, dryRun bool) models.LegacyMigrationOutcome {
	channel := strings.TrimSpace(rec.MarketName)
	storefront := strings.TrimSpace(rec.BusinessNumber)
	code := strings.TrimSpace(rec.ProductCode)
	out := models.LegacyMigrationOutcome{
		UploadRecordId: rec.ID,
		Channel:        channel,
		Storefront:     storefront,
		ProductCode:    code,
	}
	invalid := func(msg string) models.LegacyMigrationOutcome {
		out.Outcome = models.LegacyOutcomeInvalid
		out.Message = msg
		return out
	}
	if channel == "" || storefront == "" || code == "" {
		return invalid("channel, storefront and product code are required")
	}

	combos, ok := state.combos[code]
	if !ok {
		var err error
		combos, err = models.ListCombinations(ctx, e.db, code)
		if err != nil {
			return invalid(fmt.Sprintf("load combinations: %v", err))
		}
		state.combos[code] = combos
	}

	match, note := legacyMatchFor(rec)
	candidates := matchLegacyCandidates(rec, match, combos)
	out.Message = note
	switch len(candidates) {
	case 0:
		out.Outcome = models.LegacyOutcomeNoMatch
		return out
	case 1:
	default:
		out.Outcome = models.LegacyOutcomeAmbiguous
		out.CandidatesJSON, _ = json.Marshal(candidates)
		return out
	}

	index := candidates[0]
	out.CombinationIndex = &index
	holder, err := models.FindAssignmentHolder(ctx, e.db, channel, code, index)
	if err != nil {
		return invalid(fmt.Sprintf("lookup holder: %v", err))
	}
	if holder != nil {
		if holder.Storefront == storefront {
			out.Outcome = models.LegacyOutcomeAlreadyPresent
		} else {
			out.Outcome = models.LegacyOutcomeConflict
			out.Message = fmt.Sprintf("index %d already granted to %s", index, holder.Storefront)
		}
		return out
	}
	if dryRun {
		key := legacyClaimKey(channel, code, index)
		switch claimed, ok := state.claims[key]; {
		case !ok:
			state.claims[key] = storefront
			out.Outcome = models.LegacyOutcomeMigrated
		case claimed == storefront:
			out.Outcome = models.LegacyOutcomeAlreadyPresent
		default:
			out.Outcome = models.LegacyOutcomeConflict
			out.Message = fmt.Sprintf("index %d already granted to %s", index, claimed)
		}
		return out
	}

	res, err := e.assign(ctx, code, index, channel, storefront, models.AssignmentSourceLegacy, false)
	switch {
	case errors.Is(err, ErrCombinationTaken):
		out.Outcome = models.LegacyOutcomeConflict
	case err != nil:
		config.LogError(e.logger, "legacyMigration.go", "migrateLegacyRecord", "assign", rec.ID, err)
		return invalid(err.Error())
	case res == AssignAlreadyGranted:
		out.Outcome = models.LegacyOutcomeAlreadyPresent
	default:
		out.Outcome = models.LegacyOutcomeMigrated
	}
	return out
}

// legacyMatchFor reads the variant and name position from the strategy JSON, falling back to the
// record's own name index and to the URLs it used.
func legacyMatchFor(rec *models.UploadRecord) (legacyMatch, string) {
	var m legacyMatch
	var note string
	var st legacyStrategy
	if s := strings.TrimSpace(rec.UploadStrategy); s != "" {
		if err := json.Unmarshal([]byte(s), &st); err != nil {
			note = "unreadable upload_strategy, matched by url"
			st = legacyStrategy{}
		} else if st.URLType == "" {
			st.URLType = "mix"
		}
	}
	m.position = st.LineIndex
	if m.position == nil {
		m.position = st.ProductNameIndex
	}
	if m.position == nil {
		m.position = rec.ProductNameIndex
	}

	switch strings.ToLower(st.URLType) {
	case "nukki":
		m.variants = []models.CombinationVariant{models.VariantImageA}
	case "mix":
		m.variants = []models.CombinationVariant{models.VariantImageB}
	case "name_only", "name-only":
		m.variants = []models.CombinationVariant{models.VariantNameOnly}
	default:
		nukki := strings.TrimSpace(rec.UsedNukkiURL) != ""
		mix := strings.TrimSpace(rec.UsedMixURL) != ""
		switch {
		case nukki && mix:
			m.variants = []models.CombinationVariant{models.VariantImageA, models.VariantImageB}
		case nukki:
			m.variants = []models.CombinationVariant{models.VariantImageA}
		case mix:
			m.variants = []models.CombinationVariant{models.VariantImageB}
		default:
			m.variants = []models.CombinationVariant{models.VariantNameOnly}
		}
	}
	return m, note
}

// matchLegacyCandidates returns the indices of combinations consistent with the record. The image URL
// is only compared when no name position is known.
func matchLegacyCandidates(rec *models.UploadRecord, m legacyMatch, combos []models.Combination) []int {
	name := strings.TrimSpace(rec.UsedProductName)
	var out []int
	for i := range combos {
		c := &combos[i]
		if !variantIn(c.Variant, m.variants) {
			continue
		}
		if name != "" && c.Name != name {
			continue
		}
		if m.position != nil {
			if c.NamePosition != *m.position {
				continue
			}
		} else {
			if c.Variant == models.VariantImageA && rec.UsedNukkiURL != "" && c.ImageAURL != strings.TrimSpace(rec.UsedNukkiURL) {
				continue
			}
			if c.Variant == models.VariantImageB && rec.UsedMixURL != "" && c.ImageBURL != strings.TrimSpace(rec.UsedMixURL) {
				continue
			}
		}
		out = append(out, c.CombinationIndex)
	}
	return out
}

func variantIn(v models.CombinationVariant, set []models.CombinationVariant) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
