// Package adr is the HTTP client for the remote document-retrieval service.
// The wire contract is fixed: field names and parsing behavior must not
// change without coordinating with the remote team.
package adr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsframe/adrflow/internal/config"
	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// IngestRequest describes one remote operation to start.
type IngestRequest struct {
	RequestType        jobdomain.RequestType
	CredentialID       int
	StartDate          *time.Time
	EndDate            *time.Time
	JobID              int64
	AccountID          int64
	InterfaceAccountID string
	IsLastAttempt      bool
}

// Response is the normalized result of an ADR call. StatusID is nil when the
// remote returned no status (empty body or bare index id).
type Response struct {
	HTTPStatus        int
	StatusID          *int
	StatusDescription string
	IndexID           *int64
	IsError           bool
	IsFinal           bool
	RawBody           string
}

// Final reports whether the response carries a workflow-ending status.
func (r Response) Final() bool {
	if r.IsFinal {
		return true
	}
	if r.StatusID == nil {
		return false
	}
	return jobdomain.IsADRFinalStatus(*r.StatusID)
}

// Client calls the remote ADR service.
type Client interface {
	Ingest(ctx context.Context, req IngestRequest) (Response, error)
	RequestStatusByJobID(ctx context.Context, jobID int64) (Response, error)
}

type httpClient struct {
	baseURL   string
	sourceApp string
	recipient string
	client    *http.Client
	log       *zap.Logger
}

type ClientParam struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

func NewClient(p ClientParam) Client {
	return &httpClient{
		baseURL:   strings.TrimRight(p.Config.ADRBaseURL, "/"),
		sourceApp: p.Config.ADRSourceAppName,
		recipient: p.Config.ADRRecipientEmail,
		client: &http.Client{
			Timeout: time.Duration(p.Config.ADRTimeoutSeconds) * time.Second,
		},
		log: p.Log.Named("adr.client"),
	}
}

var Module = fx.Module("adr.client",
	fx.Provide(NewClient),
)

// ingestBody matches the remote contract byte for byte.
type ingestBody struct {
	ADRRequestTypeID      int    `json:"ADRRequestTypeId"`
	CredentialID          int    `json:"CredentialId"`
	StartDate             string `json:"StartDate"`
	EndDate               string `json:"EndDate"`
	SourceApplicationName string `json:"SourceApplicationName"`
	RecipientEmail        string `json:"RecipientEmail"`
	JobID                 int64  `json:"JobId"`
	AccountID             int64  `json:"AccountId"`
	InterfaceAccountID    string `json:"InterfaceAccountId,omitempty"`
	IsLastAttempt         bool   `json:"IsLastAttempt"`
}

func wireDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func (c *httpClient) Ingest(ctx context.Context, req IngestRequest) (Response, error) {
	body := ingestBody{
		ADRRequestTypeID:      int(req.RequestType),
		CredentialID:          req.CredentialID,
		StartDate:             wireDate(req.StartDate),
		EndDate:               wireDate(req.EndDate),
		SourceApplicationName: c.sourceApp,
		RecipientEmail:        c.recipient,
		JobID:                 req.JobID,
		AccountID:             req.AccountID,
		InterfaceAccountID:    req.InterfaceAccountID,
		IsLastAttempt:         req.IsLastAttempt,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/IngestAdrRequest", bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq)
}

func (c *httpClient) RequestStatusByJobID(ctx context.Context, jobID int64) (Response, error) {
	url := fmt.Sprintf("%s/GetRequestStatusByJobId/%d", c.baseURL, jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, err
	}
	return c.do(httpReq)
}

func (c *httpClient) do(req *http.Request) (Response, error) {
	httpResp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{HTTPStatus: httpResp.StatusCode}, err
	}

	resp, parseErr := parseBody(raw)
	resp.HTTPStatus = httpResp.StatusCode

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		// The index id is still worth recording for correlation even though
		// the call failed.
		resp.IsError = true
		c.log.Warn("adr call failed",
			zap.String("url", req.URL.Path),
			zap.Int("http_status", httpResp.StatusCode),
		)
		return resp, fmt.Errorf("adr: unexpected status %d", httpResp.StatusCode)
	}
	if parseErr != nil {
		return resp, parseErr
	}
	return resp, nil
}

// remoteStatus is the object shape both endpoints return. The status
// endpoint sometimes sends Status instead of statusDescription.
type remoteStatus struct {
	StatusID          *int   `json:"statusId"`
	StatusDescription string `json:"statusDescription"`
	Status            string `json:"status"`
	IndexID           *int64 `json:"indexId"`
	IsError           bool   `json:"isError"`
	IsFinal           *bool  `json:"isFinal"`
}

// parseBody accepts, in order: an empty body, a JSON object, a JSON array
// (first element wins), or a bare integer index id. Anything else is a
// malformed response; the raw body is preserved for the caller to record.
func parseBody(raw []byte) (Response, error) {
	trimmed := bytes.TrimSpace(raw)
	resp := Response{RawBody: string(trimmed)}
	if len(trimmed) == 0 {
		return resp, nil
	}

	switch trimmed[0] {
	case '{':
		var status remoteStatus
		if err := json.Unmarshal(trimmed, &status); err != nil {
			return resp, fmt.Errorf("adr: malformed object response: %w", err)
		}
		return fromRemoteStatus(status, resp), nil
	case '[':
		var statuses []remoteStatus
		if err := json.Unmarshal(trimmed, &statuses); err != nil {
			return resp, fmt.Errorf("adr: malformed array response: %w", err)
		}
		if len(statuses) == 0 {
			return resp, nil
		}
		return fromRemoteStatus(statuses[0], resp), nil
	default:
		indexID, err := strconv.ParseInt(string(trimmed), 10, 64)
		if err != nil {
			return resp, fmt.Errorf("adr: unrecognized response body")
		}
		resp.IndexID = &indexID
		return resp, nil
	}
}

func fromRemoteStatus(status remoteStatus, resp Response) Response {
	resp.StatusID = status.StatusID
	resp.StatusDescription = status.StatusDescription
	if resp.StatusDescription == "" {
		resp.StatusDescription = status.Status
	}
	resp.IndexID = status.IndexID
	resp.IsError = status.IsError
	if status.IsFinal != nil {
		resp.IsFinal = *status.IsFinal
	} else if status.StatusID != nil {
		resp.IsFinal = jobdomain.IsADRFinalStatus(*status.StatusID)
	}
	return resp
}
