package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/httpx"
)

// PortalConfig parameterizes the CAS-backed portal handshake.
type PortalConfig struct {
	LoginURL      string
	Referer       string
	Username      string
	Password      string
	FormSelector  string
	SuccessTitles []string
}

// PortalStage logs into the content portal after the gateway session exists.
// The login form's hidden inputs (execution tokens and the like) are harvested
// generically, so token renames on the CAS side do not break the handshake.
type PortalStage struct {
	client *httpx.Client
	cfg    PortalConfig
	logger *zap.Logger
}

// NewPortalStage builds a PortalStage.
func NewPortalStage(client *httpx.Client, cfg PortalConfig, logger *zap.Logger) *PortalStage {
	if cfg.FormSelector == "" {
		cfg.FormSelector = "#casLoginForm input"
	}
	return &PortalStage{client: client, cfg: cfg, logger: logger}
}

// Name implements Stage.
func (s *PortalStage) Name() string { return "portal" }

// Login fetches the CAS form, collects every name/value input pair, injects
// the stored credentials and posts the result.
func (s *PortalStage) Login(ctx context.Context) (*httpx.Response, error) {
	pageResp, err := s.client.Get(ctx, s.cfg.LoginURL, httpx.Options{Referer: s.cfg.Referer})
	if err != nil {
		return nil, fmt.Errorf("portal: fetch login form: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageResp.Text()))
	if err != nil {
		return nil, fmt.Errorf("portal: parse login form: %w", err)
	}
	s.logger.Info("portal login form fetched", zap.String("title", strings.TrimSpace(doc.Find("title").First().Text())))

	form := url.Values{}
	doc.Find(s.cfg.FormSelector).Each(func(_ int, sel *goquery.Selection) {
		name, ok := sel.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := sel.Attr("value")
		form.Set(name, value)
	})
	form.Set("username", s.cfg.Username)
	form.Set("password", s.cfg.Password)

	resp, err := s.client.Post(ctx, s.cfg.LoginURL, form, httpx.Options{Referer: s.cfg.Referer})
	if err != nil {
		return nil, fmt.Errorf("portal: submit login form: %w", err)
	}
	return resp, nil
}

// Classify implements Stage. The CAS duplicate-login page counts as success.
func (s *PortalStage) Classify(resp *httpx.Response) error {
	title := pageTitle(resp)
	for _, ok := range s.cfg.SuccessTitles {
		if title == ok {
			return nil
		}
	}
	return fmt.Errorf("login result: %q", title)
}
