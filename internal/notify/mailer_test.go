package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "20240301.abc@mg.example.com", NormalizeMessageID("<20240301.abc@mg.example.com>"))
	assert.Equal(t, "plain", NormalizeMessageID(" plain "))
}

func TestStatusOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &SendError{Status: 401, Err: errors.New("forbidden")})
	assert.Equal(t, 401, StatusOf(err))
	assert.Equal(t, 0, StatusOf(errors.New("other")))
}

func TestMailgunMailer(t *testing.T) {
	var gotPath string
	var sawAttachment bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			_, sawAttachment = r.MultipartForm.File["attachment"]
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"<msg-1@mg.example.com>","message":"Queued. Thank you."}`)
	}))
	defer srv.Close()

	mailer := NewMailgunMailer("mg.example.com", "key", srv.URL+"/v3", utils.NewNopLogger())
	id, err := mailer.Send(context.Background(), Message{
		From:       "ops@example.com",
		To:         "billing@vendor.com",
		CC:         []string{"owner@shop.com"},
		Subject:    "Refund request",
		Text:       "Please refund.",
		Attachment: &Attachment{FileName: "evidence.zip", Data: []byte("PK")},
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1@mg.example.com", id)
	assert.Equal(t, "/v3/mg.example.com/messages", gotPath)
	assert.True(t, sawAttachment)
}

func TestMailgunMailerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `Forbidden`)
	}))
	defer srv.Close()

	mailer := NewMailgunMailer("mg.example.com", "key", srv.URL+"/v3", utils.NewNopLogger())
	_, err := mailer.Send(context.Background(), Message{From: "a@b.c", To: "d@e.f", Subject: "s", Text: "t"})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))
}
