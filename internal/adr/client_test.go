package adr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/opsframe/adrflow/internal/config"
	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(ClientParam{
		Config: config.Config{
			ADRBaseURL:        srv.URL,
			ADRSourceAppName:  "adrflow",
			ADRRecipientEmail: "ops@example.com",
			ADRTimeoutSeconds: 5,
		},
		Log: zap.NewNop(),
	})
	return client, srv
}

func TestIngestSendsWireContract(t *testing.T) {
	var captured map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/IngestAdrRequest", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))

	start := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	_, err := client.Ingest(context.Background(), IngestRequest{
		RequestType:        jobdomain.RequestTypeDownloadInvoice,
		CredentialID:       42,
		StartDate:          &start,
		EndDate:            &end,
		JobID:              9001,
		AccountID:          1001,
		InterfaceAccountID: "IF-7",
		IsLastAttempt:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, float64(2), captured["ADRRequestTypeId"])
	assert.Equal(t, float64(42), captured["CredentialId"])
	assert.Equal(t, "2024-02-10", captured["StartDate"])
	assert.Equal(t, "2024-02-20", captured["EndDate"])
	assert.Equal(t, "adrflow", captured["SourceApplicationName"])
	assert.Equal(t, "ops@example.com", captured["RecipientEmail"])
	assert.Equal(t, float64(9001), captured["JobId"])
	assert.Equal(t, float64(1001), captured["AccountId"])
	assert.Equal(t, "IF-7", captured["InterfaceAccountId"])
	assert.Equal(t, true, captured["IsLastAttempt"])
}

func TestIngestEmptyDatesSerializeAsEmptyStrings(t *testing.T) {
	var captured map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
	}))

	_, err := client.Ingest(context.Background(), IngestRequest{
		RequestType:  jobdomain.RequestTypeAttemptLogin,
		CredentialID: 7,
		JobID:        1,
		AccountID:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, "", captured["StartDate"])
	assert.Equal(t, "", captured["EndDate"])
}

func TestParseEmptyBodyIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := client.Ingest(context.Background(), IngestRequest{JobID: 1})
	require.NoError(t, err)
	assert.Nil(t, resp.StatusID)
	assert.Nil(t, resp.IndexID)
	assert.False(t, resp.Final())
}

func TestParseObjectBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"statusId": 11, "statusDescription": "Document Retrieval Complete", "indexId": 555, "isFinal": true}`))
	}))

	resp, err := client.RequestStatusByJobID(context.Background(), 9001)
	require.NoError(t, err)
	require.NotNil(t, resp.StatusID)
	assert.Equal(t, 11, *resp.StatusID)
	assert.Equal(t, "Document Retrieval Complete", resp.StatusDescription)
	require.NotNil(t, resp.IndexID)
	assert.Equal(t, int64(555), *resp.IndexID)
	assert.True(t, resp.Final())
}

func TestParseArrayBodyUsesFirstElement(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"statusId": 2}, {"statusId": 11}]`))
	}))

	resp, err := client.RequestStatusByJobID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, resp.StatusID)
	assert.Equal(t, 2, *resp.StatusID)
	assert.False(t, resp.Final())
}

func TestParseBareIntegerIsIndexID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`12345`))
	}))

	resp, err := client.Ingest(context.Background(), IngestRequest{JobID: 1})
	require.NoError(t, err)
	assert.Nil(t, resp.StatusID)
	require.NotNil(t, resp.IndexID)
	assert.Equal(t, int64(12345), *resp.IndexID)
}

func TestStatusFieldSubstitutesDescription(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"statusId": 12, "Status": "Login Succeeded"}`))
	}))

	resp, err := client.RequestStatusByJobID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Login Succeeded", resp.StatusDescription)
}

func TestIsFinalDerivedFromStatusID(t *testing.T) {
	cases := []struct {
		statusID int
		final    bool
	}{
		{11, true},
		{9, true},
		{3, true},
		{14, true},
		{1, false},
		{15, false},
		{12, false},
	}
	for _, tc := range cases {
		body := []byte(`{"statusId": ` + strconv.Itoa(tc.statusID) + `}`)
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(body)
		}))
		resp, err := client.RequestStatusByJobID(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, tc.final, resp.Final(), "status %d", tc.statusID)
	}
}

func TestNon2xxCapturesIndexID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"indexId": 777, "isError": true}`))
	}))

	resp, err := client.Ingest(context.Background(), IngestRequest{JobID: 1})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.HTTPStatus)
	assert.True(t, resp.IsError)
	require.NotNil(t, resp.IndexID)
	assert.Equal(t, int64(777), *resp.IndexID)
}

func TestMalformedBodyPreservedRaw(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway error</html>`))
	}))

	resp, err := client.Ingest(context.Background(), IngestRequest{JobID: 1})
	require.Error(t, err)
	assert.Equal(t, `<html>gateway error</html>`, resp.RawBody)
}
