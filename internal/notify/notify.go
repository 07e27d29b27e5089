package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ignite/datagrid/internal/pkg/logger"
	"github.com/ignite/datagrid/internal/store"
)

// Mailer delivers a rendered message to one recipient.
type Mailer interface {
	Send(ctx context.Context, to, subject, textBody, htmlBody string) error
}

// Notifier sends lifecycle notifications to upload owners. A missing
// owner or an owner without an email address is not an error, the
// notification is simply skipped.
type Notifier struct {
	store     store.Store
	mailer    Mailer
	templates *TemplateSet
}

// New creates a notifier.
func New(st store.Store, mailer Mailer) *Notifier {
	return &Notifier{
		store:     st,
		mailer:    mailer,
		templates: NewTemplateSet(),
	}
}

// UploadCompleted emails the upload's owner a summary of the finished
// ingestion: row totals, duration and the discovered columns.
func (n *Notifier) UploadCompleted(ctx context.Context, uploadID uuid.UUID) error {
	upload, err := n.store.GetUpload(ctx, uploadID)
	if err != nil {
		return fmt.Errorf("load upload %s: %w", uploadID, err)
	}

	user, err := n.store.GetUser(ctx, upload.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		logger.Debug("skipping completion email, owner not found", "upload_id", uploadID.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user %s: %w", upload.UserID, err)
	}
	if user.Email == "" {
		logger.Debug("skipping completion email, owner has no address", "upload_id", uploadID.String())
		return nil
	}

	var durationSeconds float64
	if d := upload.Duration(); d != nil {
		durationSeconds = *d
	}

	var columns []string
	var sampleFields []string
	if sample, err := n.store.FirstRow(ctx, upload.ID); err == nil && sample != nil {
		for col := range sample.Data {
			columns = append(columns, col)
		}
		sort.Strings(columns)
		for _, col := range columns {
			v := sample.Data[col]
			if v == nil {
				v = ""
			}
			sampleFields = append(sampleFields, fmt.Sprintf("%s: %v", col, v))
		}
	}

	bindings := map[string]interface{}{
		"name":             user.Name,
		"filename":         upload.OriginalFilename,
		"total_rows":       upload.ProcessedRows,
		"duration_seconds": fmt.Sprintf("%.1f", durationSeconds),
		"columns":          columns,
		"sample_row":       sampleFields,
		"error_count":      len(upload.Errors),
		"errors":           upload.Errors,
	}

	subject, err := n.templates.Render("completed_subject", completedSubjectTpl, bindings)
	if err != nil {
		return err
	}
	text, err := n.templates.Render("completed_text", completedTextTpl, bindings)
	if err != nil {
		return err
	}
	html, err := n.templates.Render("completed_html", completedHTMLTpl, bindings)
	if err != nil {
		return err
	}

	if err := n.mailer.Send(ctx, user.Email, subject, text, html); err != nil {
		return fmt.Errorf("send completion email: %w", err)
	}

	logger.Info("completion email sent", "upload_id", uploadID.String(), "to", user.Email)
	return nil
}
