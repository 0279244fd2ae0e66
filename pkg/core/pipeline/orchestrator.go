// Package pipeline drives one document through extraction: rule extractor
// first where the format allows it, LLM fallback behind a dedup check and the
// org's daily budget gate, hallucination guards on anything a model returns.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/pkg/core/canonical"
	"orderflow/pkg/core/config"
	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/extract"
	"orderflow/pkg/core/layout"
	"orderflow/pkg/core/llm"
	"orderflow/pkg/core/store"
	"orderflow/pkg/models"
)

const (
	// DedupWindow bounds the reuse of an earlier successful provider call
	// with the same input hash.
	DedupWindow = 7 * 24 * time.Hour
	// FallbackConfidenceFloor triggers the LLM fallback below it.
	FallbackConfidenceFloor = 0.60
	// MinTextCoverage separates text PDFs from scans.
	MinTextCoverage = 0.15
)

// Fallback reasons recorded on the run metrics.
const (
	ReasonRuleFailed      = "RULE_FAILED"
	ReasonLowConfidence   = "LOW_CONFIDENCE"
	ReasonNoLines         = "NO_LINES"
	ReasonLowTextCoverage = "LOW_TEXT_COVERAGE"
)

// RunStore persists extraction runs.
type RunStore interface {
	Start(ctx context.Context, orgID, documentID uuid.UUID, extractor string) (uuid.UUID, error)
	Succeed(ctx context.Context, id uuid.UUID, lineCount int, overall float64, output, metrics json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, errorJSON json.RawMessage) error
	Latest(ctx context.Context, orgID, documentID uuid.UUID, extractor string) (*models.ExtractionRun, error)
}

// CallLog is the append-only provider call audit plus the budget/dedup reads.
type CallLog interface {
	Insert(ctx context.Context, log *models.AICallLog) error
	FindRecentSuccess(ctx context.Context, orgID uuid.UUID, callType, inputHash string, window time.Duration) (*models.AICallLog, error)
	SpentTodayMicros(ctx context.Context, orgID uuid.UUID) (int64, error)
}

// DocStore moves the document through its lifecycle.
type DocStore interface {
	SetStatus(ctx context.Context, orgID, id uuid.UUID, from, to models.DocumentStatus) error
	SetLayout(ctx context.Context, orgID, id uuid.UUID, pageCount *int, coverage *float64, fingerprint *string) error
}

// FewShotSource serves layout-scoped correction examples for the LLM prompt.
type FewShotSource interface {
	FewShot(ctx context.Context, orgID uuid.UUID, layoutFingerprint *string) ([]store.FewShotExample, error)
}

// BlobStore loads the stored document bytes.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// PageRenderer rasterizes PDF pages for the vision path. Optional; without
// one, scanned PDFs fail extraction instead of guessing.
type PageRenderer interface {
	RenderPages(ctx context.Context, pdf []byte) ([]string, error) // base64 PNGs
}

// Orchestrator runs the extraction decision ladder for one document.
type Orchestrator struct {
	Runs     RunStore
	Calls    CallLog
	Docs     DocStore
	Blobs    BlobStore
	LLM      *extract.LLMExtractor
	FewShots FewShotSource
	Renderer PageRenderer
	Defaults config.Tunables
	Log      *zap.Logger

	registry *extract.Registry
}

func NewOrchestrator(runs RunStore, calls CallLog, docs DocStore, blobs BlobStore, llmExtractor *extract.LLMExtractor, fewShots FewShotSource, defaults config.Tunables, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		Runs:     runs,
		Calls:    calls,
		Docs:     docs,
		Blobs:    blobs,
		LLM:      llmExtractor,
		FewShots: fewShots,
		Defaults: defaults,
		Log:      log,
		registry: extract.DefaultRegistry(llmExtractor),
	}
}

// Outcome is the result of one orchestrated extraction.
type Outcome struct {
	RunID          uuid.UUID
	Extractor      string
	Output         *canonical.Output
	FallbackReason string
	ReusedCallID   *uuid.UUID
}

// Process moves a document from STORED (or FAILED, on retry) to EXTRACTED or
// FAILED, recording one run per extractor invoked. Re-processing an EXTRACTED
// document is a conflict.
func (o *Orchestrator) Process(ctx context.Context, org models.Org, doc *models.Document) (*Outcome, error) {
	const op = "pipeline.process"

	from := doc.Status
	if from != models.DocStored && from != models.DocFailed {
		return nil, errs.Errorf(errs.KindConflict, op, "document %s is %s, not extractable", doc.ID, from)
	}
	if err := o.Docs.SetStatus(ctx, doc.OrgID, doc.ID, from, models.DocProcessing); err != nil {
		return nil, err
	}

	settings, err := config.DecodeOrgSettings(org.Settings)
	if err != nil {
		return nil, o.finishFailed(ctx, doc, err)
	}
	tun := settings.Resolve(o.Defaults)

	data, err := o.Blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, o.finishFailed(ctx, doc, errs.E(errs.KindTransient, op, err))
	}

	outcome, err := o.extract(ctx, tun, doc, data)
	if err != nil {
		return outcome, o.finishFailed(ctx, doc, err)
	}
	if err := o.Docs.SetStatus(ctx, doc.OrgID, doc.ID, models.DocProcessing, models.DocExtracted); err != nil {
		return outcome, err
	}
	o.Log.Info("document extracted",
		zap.String("org_id", doc.OrgID.String()),
		zap.String("document_id", doc.ID.String()),
		zap.String("extractor", outcome.Extractor),
		zap.Int("lines", len(outcome.Output.Lines)),
		zap.Float64("overall", outcome.Output.Confidence.Overall))
	return outcome, nil
}

// extract walks the decision ladder for one format.
func (o *Orchestrator) extract(ctx context.Context, tun config.Tunables, doc *models.Document, data []byte) (*Outcome, error) {
	in := &extract.Input{Filename: doc.Filename, MIMEType: doc.MIMEType, Data: data}

	switch doc.MIMEType {
	case extract.MIMECSV, extract.MIMEXLSX, extract.MIMEHTML:
		out, runID, ruleErr := o.runRule(ctx, doc, in)
		if reason := fallbackReason(out, ruleErr); reason != "" {
			if doc.MIMEType != extract.MIMEXLSX {
				// Textual formats reuse their raw bytes as LLM input.
				in.Text = string(in.Data)
			}
			return o.runLLM(ctx, tun, doc, in, reason)
		}
		return &Outcome{RunID: runID, Extractor: extract.RuleVersion, Output: out}, nil

	case extract.MIMEPDF:
		return o.extractPDF(ctx, tun, doc, in)

	default:
		return o.runLLM(ctx, tun, doc, in, ReasonRuleFailed)
	}
}

func (o *Orchestrator) extractPDF(ctx context.Context, tun config.Tunables, doc *models.Document, in *extract.Input) (*Outcome, error) {
	info, err := extract.InspectPDF(in.Data)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "pipeline.pdf", err)
	}
	o.recordLayout(ctx, doc, info)

	if info.CoverageRatio < MinTextCoverage {
		// Likely a scan: no rule pass, straight to the vision path.
		return o.runLLM(ctx, tun, doc, in, ReasonLowTextCoverage)
	}

	in.Text = info.Text
	out, runID, ruleErr := o.runRule(ctx, doc, in)
	if reason := fallbackReason(out, ruleErr); reason != "" {
		return o.runLLM(ctx, tun, doc, in, reason)
	}
	return &Outcome{RunID: runID, Extractor: extract.RuleVersion, Output: out}, nil
}

func (o *Orchestrator) recordLayout(ctx context.Context, doc *models.Document, info *extract.PDFInfo) {
	fp, err := layout.Fingerprint(&info.Meta)
	if err != nil {
		o.Log.Warn("layout fingerprint not computed", zap.Error(err))
		return
	}
	pages := info.Meta.PageCount
	coverage := info.CoverageRatio
	var fpPtr *string
	if fp != "" {
		fpPtr = &fp
	}
	if err := o.Docs.SetLayout(ctx, doc.OrgID, doc.ID, &pages, &coverage, fpPtr); err != nil {
		o.Log.Warn("document layout not recorded", zap.Error(err))
		return
	}
	doc.PageCount = &pages
	doc.TextCoverageRatio = &coverage
	doc.LayoutFingerprint = fpPtr
}

// fallbackReason decides whether the rule result is good enough to stand.
func fallbackReason(out *canonical.Output, ruleErr error) string {
	switch {
	case ruleErr != nil:
		return ReasonRuleFailed
	case len(out.Lines) == 0:
		return ReasonNoLines
	case out.Confidence.Overall < FallbackConfidenceFloor:
		return ReasonLowConfidence
	}
	return ""
}

// runRule executes the matching rule extractor and records its run. A rule
// failure is not terminal; the caller decides on the fallback.
func (o *Orchestrator) runRule(ctx context.Context, doc *models.Document, in *extract.Input) (*canonical.Output, uuid.UUID, error) {
	extractor, err := o.registry.ForMIME(doc.MIMEType)
	if err != nil {
		return nil, uuid.Nil, err
	}
	runID, err := o.Runs.Start(ctx, doc.OrgID, doc.ID, extract.RuleVersion)
	if err != nil {
		return nil, uuid.Nil, err
	}

	out, extractErr := extractor.Extract(ctx, in)
	if extractErr != nil {
		o.failRun(ctx, runID, map[string]string{"error": extractErr.Error()})
		o.Log.Warn("rule extraction failed",
			zap.String("document_id", doc.ID.String()), zap.Error(extractErr))
		return nil, runID, extractErr
	}

	if err := o.succeedRun(ctx, runID, out, map[string]any{"extractor": extractor.Name()}); err != nil {
		return nil, runID, err
	}
	return out, runID, nil
}

// runLLM executes the LLM fallback: dedup first, then the budget gate, then
// the provider; every provider call is logged whether it succeeded or not.
func (o *Orchestrator) runLLM(ctx context.Context, tun config.Tunables, doc *models.Document, in *extract.Input, reason string) (*Outcome, error) {
	const op = "pipeline.llm"
	if o.LLM == nil {
		return nil, errs.Errorf(errs.KindFatal, op, "no llm extractor configured, fallback %s impossible", reason)
	}

	inputHash := hashInput(in)
	callType := llm.CallExtractText
	if in.Text == "" {
		callType = llm.CallExtractVision
	}

	// Dedup: an identical input extracted successfully inside the window is
	// reused instead of paid for again. The call type is part of the key; a
	// text success never answers for the vision path over the same bytes.
	if prior, err := o.Calls.FindRecentSuccess(ctx, doc.OrgID, callType, inputHash, DedupWindow); err == nil && prior != nil && prior.DocumentID != nil {
		if outcome, ok := o.reusePrior(ctx, doc, prior, reason); ok {
			return outcome, nil
		}
	}

	if tun.DailyBudgetMicros > 0 {
		spent, err := o.Calls.SpentTodayMicros(ctx, doc.OrgID)
		if err != nil {
			return nil, err
		}
		if spent >= tun.DailyBudgetMicros {
			runID, startErr := o.Runs.Start(ctx, doc.OrgID, doc.ID, extract.LLMVersion)
			if startErr != nil {
				return nil, startErr
			}
			o.failRun(ctx, runID, map[string]string{"reason": "BUDGET_EXCEEDED"})
			return &Outcome{RunID: runID, Extractor: extract.LLMVersion, FallbackReason: reason},
				errs.Errorf(errs.KindBudget, op, "daily budget exhausted: %d of %d micros spent", spent, tun.DailyBudgetMicros)
		}
	}

	if in.Text == "" && len(in.ImagesB64) == 0 {
		if o.Renderer == nil {
			return nil, errs.Errorf(errs.KindFatal, op, "document needs the vision path but no page renderer is configured")
		}
		images, err := o.Renderer.RenderPages(ctx, in.Data)
		if err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		in.ImagesB64 = images
	}

	in.Examples = o.fewShot(ctx, doc)

	runID, err := o.Runs.Start(ctx, doc.OrgID, doc.ID, extract.LLMVersion)
	if err != nil {
		return nil, err
	}
	out, calls, llmErr := o.LLM.Run(ctx, in)
	o.logCalls(ctx, doc, calls, inputHash)
	if llmErr != nil {
		o.failRun(ctx, runID, map[string]string{"error": llmErr.Error(), "fallback_reason": reason})
		if errs.Retryable(llmErr) {
			return &Outcome{RunID: runID, Extractor: extract.LLMVersion, FallbackReason: reason}, llmErr
		}
		// Guard violations and unparseable output are data problems, not
		// provider ones.
		return &Outcome{RunID: runID, Extractor: extract.LLMVersion, FallbackReason: reason},
			errs.E(errs.KindValidation, op, llmErr)
	}

	if err := o.succeedRun(ctx, runID, out, map[string]any{"fallback_reason": reason}); err != nil {
		return nil, err
	}
	return &Outcome{RunID: runID, Extractor: extract.LLMVersion, Output: out, FallbackReason: reason}, nil
}

// reusePrior copies the successful LLM output of an identical input onto this
// document as a fresh run.
func (o *Orchestrator) reusePrior(ctx context.Context, doc *models.Document, prior *models.AICallLog, reason string) (*Outcome, bool) {
	run, err := o.Runs.Latest(ctx, doc.OrgID, *prior.DocumentID, extract.LLMVersion)
	if err != nil || run.Status != models.RunSucceeded || len(run.OutputJSON) == 0 {
		return nil, false
	}
	out, err := canonical.Parse(run.OutputJSON)
	if err != nil {
		return nil, false
	}

	runID, err := o.Runs.Start(ctx, doc.OrgID, doc.ID, extract.LLMVersion)
	if err != nil {
		return nil, false
	}
	metrics := map[string]any{
		"fallback_reason": reason,
		"reused_call_id":  prior.ID.String(),
	}
	if err := o.succeedRun(ctx, runID, out, metrics); err != nil {
		return nil, false
	}
	o.Log.Info("llm output reused from dedup window",
		zap.String("document_id", doc.ID.String()),
		zap.String("source_call_id", prior.ID.String()))
	reusedID := prior.ID
	return &Outcome{RunID: runID, Extractor: extract.LLMVersion, Output: out, FallbackReason: reason, ReusedCallID: &reusedID}, true
}

func (o *Orchestrator) fewShot(ctx context.Context, doc *models.Document) []extract.FewShot {
	if o.FewShots == nil {
		return nil
	}
	examples, err := o.FewShots.FewShot(ctx, doc.OrgID, doc.LayoutFingerprint)
	if err != nil {
		o.Log.Warn("few-shot examples unavailable", zap.Error(err))
		return nil
	}
	out := make([]extract.FewShot, 0, len(examples))
	for _, ex := range examples {
		out = append(out, extract.FewShot{InputSnippet: ex.InputSnippet, Output: ex.AfterJSON})
	}
	return out
}

// logCalls persists every provider interaction. A conflict on the partial
// unique index means the call is already logged and is not an error.
func (o *Orchestrator) logCalls(ctx context.Context, doc *models.Document, calls []extract.ProviderCall, inputHash string) {
	for _, call := range calls {
		entry := &models.AICallLog{
			OrgID:      doc.OrgID,
			DocumentID: &doc.ID,
			CallType:   call.Type,
			Status:     models.AICallSucceeded,
		}
		if call.Type != llm.CallRepairJSON {
			entry.InputHash = &inputHash
		}
		if call.Err != nil {
			entry.Status = models.AICallFailed
		}
		if call.Result != nil {
			entry.Provider = o.LLM.Provider.Name()
			entry.Model = call.Result.Model
			entry.InputTokens = call.Result.InputTokens
			entry.OutputTokens = call.Result.OutputTokens
			entry.LatencyMS = call.Result.LatencyMS
			entry.CostMicros = call.Result.CostMicros
		}
		if err := o.Calls.Insert(ctx, entry); err != nil && !errs.IsKind(err, errs.KindConflict) {
			o.Log.Error("ai call not logged",
				zap.String("call_type", call.Type), zap.Error(err))
		}
	}
}

func (o *Orchestrator) succeedRun(ctx context.Context, runID uuid.UUID, out *canonical.Output, metrics map[string]any) error {
	outputJSON, err := json.Marshal(out)
	if err != nil {
		return err
	}
	metricsJSON, _ := json.Marshal(metrics)
	return o.Runs.Succeed(ctx, runID, len(out.Lines), out.Confidence.Overall, outputJSON, metricsJSON)
}

func (o *Orchestrator) failRun(ctx context.Context, runID uuid.UUID, details map[string]string) {
	errorJSON, _ := json.Marshal(details)
	if err := o.Runs.Fail(ctx, runID, errorJSON); err != nil {
		o.Log.Error("extraction run not finalized", zap.Error(err))
	}
}

// finishFailed parks the document in FAILED; a later retry resumes from there.
func (o *Orchestrator) finishFailed(ctx context.Context, doc *models.Document, cause error) error {
	if err := o.Docs.SetStatus(ctx, doc.OrgID, doc.ID, models.DocProcessing, models.DocFailed); err != nil {
		o.Log.Error("document not moved to FAILED", zap.Error(err))
	}
	o.Log.Warn("extraction failed",
		zap.String("org_id", doc.OrgID.String()),
		zap.String("document_id", doc.ID.String()),
		zap.Error(cause))
	return cause
}

// hashInput produces the dedup key: document text when present, raw bytes
// otherwise.
func hashInput(in *extract.Input) string {
	var sum [32]byte
	if in.Text != "" {
		sum = sha256.Sum256([]byte(in.Text))
	} else {
		sum = sha256.Sum256(in.Data)
	}
	return hex.EncodeToString(sum[:])
}

// EncodePNG wraps rendered page bytes for the vision input.
func EncodePNG(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
