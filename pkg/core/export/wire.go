// Package export turns approved drafts into ERP dropzone files and reconciles
// the acknowledgements the ERP writes back.
package export

import (
	"encoding/json"
	"fmt"
	"time"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/utils"
	"orderflow/pkg/models"
)

// ExportVersion identifies the wire format.
const ExportVersion = "orderflow_export_json_v1"

// Document is the canonical export JSON v1. Nullable fields are pointers and
// always serialized, never omitted; the ERP side relies on presence.
type Document struct {
	ExportVersion string       `json:"export_version"`
	OrgSlug       string       `json:"org_slug"`
	DraftOrderID  string       `json:"draft_order_id"`
	ApprovedAt    string       `json:"approved_at"`
	Customer      WireCustomer `json:"customer"`
	Header        WireHeader   `json:"header"`
	Lines         []WireLine   `json:"lines"`
	Meta          WireMeta     `json:"meta"`
}

type WireCustomer struct {
	ID                string  `json:"id"`
	ERPCustomerNumber *string `json:"erp_customer_number"`
	Name              string  `json:"name"`
}

type WireHeader struct {
	ExternalOrderNumber   *string `json:"external_order_number"`
	OrderDate             *string `json:"order_date"`
	Currency              string  `json:"currency"`
	RequestedDeliveryDate *string `json:"requested_delivery_date"`
	Notes                 *string `json:"notes"`
}

type WireLine struct {
	LineNo         int      `json:"line_no"`
	InternalSKU    string   `json:"internal_sku"`
	Qty            float64  `json:"qty"`
	UoM            string   `json:"uom"`
	UnitPrice      *float64 `json:"unit_price"`
	Currency       string   `json:"currency"`
	CustomerSKURaw *string  `json:"customer_sku_raw"`
	Description    *string  `json:"description"`
}

type WireMeta struct {
	CreatedBy      string              `json:"created_by"`
	SourceDocument *WireSourceDocument `json:"source_document"`
}

type WireSourceDocument struct {
	DocumentID string `json:"document_id"`
	FileName   string `json:"file_name"`
	SHA256     string `json:"sha256"`
}

// BuildDocument assembles the wire document from an approved draft. It rejects
// drafts that are not exportable (missing approval, customer, or SKUs) since
// the file is consumed unreviewed by the ERP.
func BuildDocument(orgSlug string, draft *models.DraftOrder, lines []models.DraftOrderLine, customer *models.Customer, source *models.Document, createdBy string) (*Document, error) {
	const op = "export.build_document"
	if draft.ApprovedAt == nil || draft.ApprovedBy == nil {
		return nil, errs.Errorf(errs.KindConflict, op, "draft %s has no approval", draft.ID)
	}
	if customer == nil {
		return nil, errs.Errorf(errs.KindValidation, op, "draft %s has no customer", draft.ID)
	}
	if len(lines) == 0 {
		return nil, errs.Errorf(errs.KindValidation, op, "draft %s has no lines", draft.ID)
	}

	doc := &Document{
		ExportVersion: ExportVersion,
		OrgSlug:       orgSlug,
		DraftOrderID:  draft.ID.String(),
		ApprovedAt:    draft.ApprovedAt.UTC().Format(time.RFC3339),
		Customer: WireCustomer{
			ID:                customer.ID.String(),
			ERPCustomerNumber: customer.ERPCustomerNumber,
			Name:              customer.Name,
		},
		Header: WireHeader{
			ExternalOrderNumber:   draft.ExternalOrderNumber,
			OrderDate:             draft.OrderDate,
			Currency:              draft.Currency,
			RequestedDeliveryDate: draft.RequestedDeliveryDate,
			Notes:                 draft.Notes,
		},
		Lines: make([]WireLine, 0, len(lines)),
	}

	for i := range lines {
		ln := &lines[i]
		if ln.InternalSKU == nil {
			return nil, errs.Errorf(errs.KindValidation, op, "line %d has no internal sku", ln.LineNo)
		}
		uom := ""
		if ln.UoM != nil {
			uom = *ln.UoM
		}
		currency := draft.Currency
		if ln.Currency != nil {
			currency = *ln.Currency
		}
		doc.Lines = append(doc.Lines, WireLine{
			LineNo:         ln.LineNo,
			InternalSKU:    *ln.InternalSKU,
			Qty:            ln.Qty,
			UoM:            uom,
			UnitPrice:      ln.UnitPrice,
			Currency:       currency,
			CustomerSKURaw: ln.CustomerSKURaw,
			Description:    ln.Description,
		})
	}

	doc.Meta = WireMeta{CreatedBy: createdBy}
	if source != nil {
		doc.Meta.SourceDocument = &WireSourceDocument{
			DocumentID: source.ID.String(),
			FileName:   source.Filename,
			SHA256:     source.SHA256,
		}
	}
	return doc, nil
}

// Encode serializes the document for the dropzone.
func (d *Document) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return append(data, '\n'), nil
}

// AckFile is what the ERP writes back into the ack directory.
type AckFile struct {
	Status      models.ExportStatus `json:"status"` // ACKED or FAILED
	ERPOrderID  string              `json:"erp_order_id,omitempty"`
	ErrorCode   string              `json:"error_code,omitempty"`
	Message     string              `json:"message,omitempty"`
	ProcessedAt string              `json:"processed_at"`
}

// ParseAck decodes and checks one ack file payload. Unknown fields are a
// malformed ack; the contract is closed on both sides.
func ParseAck(data []byte) (*AckFile, error) {
	var ack AckFile
	if err := utils.DecodeStrict(data, &ack); err != nil {
		return nil, fmt.Errorf("malformed ack: %w", err)
	}
	switch ack.Status {
	case models.ExportAcked, models.ExportFailed:
	default:
		return nil, fmt.Errorf("malformed ack: status %q", ack.Status)
	}
	if ack.Status == models.ExportAcked && ack.ERPOrderID == "" {
		return nil, fmt.Errorf("malformed ack: ACKED without erp_order_id")
	}
	return &ack, nil
}
