package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ifuryst/linkpost/internal/models"
	"github.com/ifuryst/linkpost/internal/service/publisher"
)

const (
	PlatformName = "linkedin"

	defaultBaseURL    = "https://api.linkedin.com"
	defaultAPIVersion = "202401"
	defaultVisibility = "PUBLIC"
	defaultTimeout    = 30 * time.Second

	maxErrorBody = 64 << 10
)

type Config struct {
	BaseURL    string
	APIVersion string
	Visibility string
	Timeout    time.Duration

	// BreakerFailures is the number of consecutive transient failures that
	// opens the circuit. Zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// LinkedInPublisher posts to the LinkedIn Posts API on behalf of a member
type LinkedInPublisher struct {
	logger      *zap.Logger
	client      *http.Client
	credentials publisher.CredentialStore
	config      Config
	breaker     *gobreaker.CircuitBreaker
}

// LinkedIn API request/response structures
type postRequest struct {
	Author                    string       `json:"author"`
	Commentary                string       `json:"commentary"`
	Visibility                string       `json:"visibility"`
	Distribution              distribution `json:"distribution"`
	Content                   *postContent `json:"content,omitempty"`
	LifecycleState            string       `json:"lifecycleState"`
	IsReshareDisabledByAuthor bool         `json:"isReshareDisabledByAuthor"`
}

type distribution struct {
	FeedDistribution               string   `json:"feedDistribution"`
	TargetEntities                 []string `json:"targetEntities"`
	ThirdPartyDistributionChannels []string `json:"thirdPartyDistributionChannels"`
}

type postContent struct {
	Media postMedia `json:"media"`
}

type postMedia struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type errorResponse struct {
	Message          string `json:"message"`
	Status           int    `json:"status"`
	ServiceErrorCode int    `json:"serviceErrorCode"`
}

func NewLinkedInPublisher(cfg Config, credentials publisher.CredentialStore, logger *zap.Logger) *LinkedInPublisher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Visibility == "" {
		cfg.Visibility = defaultVisibility
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	p := &LinkedInPublisher{
		logger:      logger.With(zap.String("platform", PlatformName)),
		client:      &http.Client{Timeout: cfg.Timeout},
		credentials: credentials,
		config:      cfg,
	}

	if cfg.BreakerFailures > 0 {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "linkedin-publish",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			// a rejected post says nothing about the health of the API
			IsSuccessful: func(err error) bool {
				return err == nil || publisher.IsPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Warn("Circuit breaker state change",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}

	return p
}

func (p *LinkedInPublisher) GetPlatformName() string {
	return PlatformName
}

func (p *LinkedInPublisher) Publish(ctx context.Context, payload models.PublishPayload) (*publisher.PublishResult, error) {
	cred, err := p.credentials.Credentials(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, publisher.ErrCredentialsNotFound) || errors.Is(err, publisher.ErrCredentialsExpired) {
			return nil, publisher.Permanent(err)
		}
		return nil, publisher.Transient(err)
	}

	body, err := json.Marshal(p.buildRequest(cred, payload))
	if err != nil {
		return nil, publisher.Permanent(fmt.Errorf("failed to encode post: %w", err))
	}

	if p.breaker == nil {
		return p.createPost(ctx, cred, body)
	}

	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.createPost(ctx, cred, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, publisher.Transient(err)
		}
		return nil, err
	}
	return res.(*publisher.PublishResult), nil
}

func (p *LinkedInPublisher) buildRequest(cred *publisher.Credential, payload models.PublishPayload) postRequest {
	req := postRequest{
		Author:     cred.MemberURN,
		Commentary: EscapeLittleText(payload.Content),
		Visibility: p.config.Visibility,
		Distribution: distribution{
			FeedDistribution:               "MAIN_FEED",
			TargetEntities:                 []string{},
			ThirdPartyDistributionChannels: []string{},
		},
		LifecycleState: "PUBLISHED",
	}
	if payload.HasDocument() {
		req.Content = &postContent{Media: postMedia{
			ID:    payload.DocumentReferenceID,
			Title: payload.DocumentTitle,
		}}
	}
	return req
}

func (p *LinkedInPublisher) createPost(ctx context.Context, cred *publisher.Credential, body []byte) (*publisher.PublishResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/rest/posts", bytes.NewReader(body))
	if err != nil {
		return nil, publisher.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("LinkedIn-Version", p.config.APIVersion)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, publisher.Transient(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		postURN := resp.Header.Get("x-restli-id")
		p.logger.Info("Post created",
			zap.String("post_urn", postURN),
			zap.Duration("duration", time.Since(start)))
		return &publisher.PublishResult{
			PostURN:     postURN,
			StatusCode:  resp.StatusCode,
			PublishedAt: time.Now(),
		}, nil
	}

	return nil, classify(resp)
}

// classify turns a non-2xx response into a PublishError. 429 and 5xx are
// transient, everything else is permanent.
func classify(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	message := strings.TrimSpace(string(data))
	var apiErr errorResponse
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
		message = apiErr.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return &publisher.PublishError{
		Permanent:  !transient,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}

var littleTextReplacer = strings.NewReplacer(
	`\`, `\\`,
	`|`, `\|`,
	`{`, `\{`,
	`}`, `\}`,
	`@`, `\@`,
	`[`, `\[`,
	`]`, `\]`,
	`(`, `\(`,
	`)`, `\)`,
	`<`, `\<`,
	`>`, `\>`,
	`#`, `\#`,
	`*`, `\*`,
	`_`, `\_`,
	`~`, `\~`,
)

// EscapeLittleText escapes the characters the Posts API reserves in commentary.
func EscapeLittleText(s string) string {
	return littleTextReplacer.Replace(s)
}

var _ publisher.Publisher = (*LinkedInPublisher)(nil)
