// Package scraper downloads the paginated notice feed and assembles drafts
// for the persistence gateway.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/httpx"
	"github.com/Berailitz/bupt-messager/internal/notice"
)

// Config drives scraping behavior. URL templates receive the page index and
// notice id respectively.
type Config struct {
	ListURLTemplate    string
	DetailURLTemplate  string
	AttachmentSelector string
	SuccessMessage     string
	MaxPages           int
	DownloadInterval   time.Duration
	TitleMaxLen        int
	AuthorMaxLen       int
	SummaryMaxLen      int
	AttachmentNameLen  int
}

// Scraper pulls the feed over the authenticated session and gates detail
// fetches on the store's novelty check.
type Scraper struct {
	client *httpx.Client
	store  notice.Store
	clock  notice.Clock
	cfg    Config
	logger *zap.Logger
}

// New builds a Scraper.
func New(client *httpx.Client, store notice.Store, clock notice.Clock, cfg Config, logger *zap.Logger) *Scraper {
	if cfg.AttachmentSelector == "" {
		cfg.AttachmentSelector = "#container > section > ul > div > p > a"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 3
	}
	if cfg.DownloadInterval <= 0 {
		cfg.DownloadInterval = 5 * time.Second
	}
	if cfg.TitleMaxLen <= 0 {
		cfg.TitleMaxLen = 80
	}
	if cfg.AuthorMaxLen <= 0 {
		cfg.AuthorMaxLen = 40
	}
	if cfg.SummaryMaxLen <= 0 {
		cfg.SummaryMaxLen = 10000
	}
	if cfg.AttachmentNameLen <= 0 {
		cfg.AttachmentNameLen = 50
	}
	return &Scraper{client: client, store: store, clock: clock, cfg: cfg, logger: logger}
}

// listRecord matches the feed's per-item JSON shape.
type listRecord struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Author  string      `json:"author"`
	Text    string      `json:"text"`
	Desc    string      `json:"desc"`
	Created json.Number `json:"created"`
}

// listPayload matches the feed's page envelope: a result message plus item
// lists keyed by date.
type listPayload struct {
	Message string                  `json:"m"`
	Data    map[string][]listRecord `json:"data"`
}

// DownloadNotices scans the feed newest-first and returns drafts for every
// notice the store has not seen. Pagination stops at MaxPages, or earlier on
// the first page that contributes zero new notices: the feed is ordered
// newest-first, so an all-duplicates page means everything older is already
// known. A page that fails to parse also stops pagination.
func (s *Scraper) DownloadNotices(ctx context.Context) ([]notice.Draft, error) {
	var drafts []notice.Draft
	for page := 1; page <= s.cfg.MaxPages; page++ {
		records := s.downloadListPage(ctx, page)
		if records == nil {
			break
		}
		newOnPage := 0
		for i := range records {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			draft := s.parseRecord(&records[i])
			isNew, err := s.store.IsNewNotice(ctx, draft.ID)
			if err != nil {
				return nil, fmt.Errorf("scraper: novelty check for %q: %w", draft.ID, err)
			}
			if !isNew {
				s.logger.Info("duplicate notice", zap.String("id", draft.ID), zap.String("title", draft.Title))
				continue
			}
			if err := sleepCtx(ctx, s.cfg.DownloadInterval); err != nil {
				return nil, err
			}
			draft.Attachments = s.fetchAttachments(ctx, draft.ID)
			drafts = append(drafts, draft)
			newOnPage++
			s.logger.Info("new notice fetched",
				zap.String("id", draft.ID),
				zap.String("title", draft.Title),
				zap.Int("attachments", len(draft.Attachments)),
			)
		}
		if newOnPage == 0 {
			break
		}
	}
	s.logger.Info("notice download finished", zap.Int("new", len(drafts)))
	return drafts, nil
}

// downloadListPage fetches and parses one feed page. Failures are logged and
// reported as a nil slice; the caller stops paginating.
func (s *Scraper) downloadListPage(ctx context.Context, page int) []listRecord {
	url := fmt.Sprintf(s.cfg.ListURLTemplate, page)
	s.logger.Info("downloading notice list", zap.Int("page", page))

	resp, err := s.client.Get(ctx, url, httpx.Options{})
	if err != nil {
		s.logger.Warn("notice list download failed", zap.Int("page", page), zap.Error(err))
		return nil
	}
	var payload listPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		s.logger.Warn("notice list parse failed", zap.Int("page", page), zap.Error(err))
		return nil
	}
	if payload.Message != s.cfg.SuccessMessage {
		s.logger.Warn("notice list rejected", zap.Int("page", page), zap.String("message", payload.Message))
		return nil
	}

	// Map order is random; flatten date groups newest-first so the draft
	// order matches the feed's presentation.
	dates := make([]string, 0, len(payload.Data))
	for date := range payload.Data {
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	var records []listRecord
	for _, date := range dates {
		records = append(records, payload.Data[date]...)
	}
	s.logger.Info("notice list downloaded", zap.Int("page", page), zap.Int("items", len(records)))
	return records
}

func (s *Scraper) parseRecord(rec *listRecord) notice.Draft {
	createdAt := s.clock.Now()
	if secs, err := rec.Created.Int64(); err == nil && secs > 0 {
		createdAt = time.Unix(secs, 0)
	}
	return notice.Draft{
		ID:        rec.ID,
		Title:     truncate(stripNbsp(rec.Title), s.cfg.TitleMaxLen),
		Author:    truncate(rec.Author, s.cfg.AuthorMaxLen),
		HTML:      stripNbsp(rec.Text),
		Summary:   truncate(stripNbsp(rec.Desc), s.cfg.SummaryMaxLen),
		URL:       fmt.Sprintf(s.cfg.DetailURLTemplate, rec.ID),
		CreatedAt: createdAt,
	}
}

// fetchAttachments pulls the detail page and extracts the attachment anchors.
// A broken detail page yields no attachments for that notice, nothing more.
func (s *Scraper) fetchAttachments(ctx context.Context, noticeID string) []notice.Attachment {
	url := fmt.Sprintf(s.cfg.DetailURLTemplate, noticeID)
	resp, err := s.client.Get(ctx, url, httpx.Options{})
	if err != nil {
		s.logger.Warn("detail page download failed", zap.String("id", noticeID), zap.Error(err))
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.Text()))
	if err != nil {
		s.logger.Warn("detail page parse failed", zap.String("id", noticeID), zap.Error(err))
		return nil
	}

	var attachments []notice.Attachment
	doc.Find(s.cfg.AttachmentSelector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		attachments = append(attachments, notice.Attachment{
			NoticeID: noticeID,
			Name:     truncate(strings.TrimSpace(sel.Text()), s.cfg.AttachmentNameLen),
			URL:      href,
		})
	})
	return attachments
}

func stripNbsp(s string) string {
	return strings.ReplaceAll(s, "&nbsp;", "")
}

// truncate cuts s to at most max runes. The portal serves CJK text, so byte
// slicing would split characters.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
