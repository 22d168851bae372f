package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestHTTPTarget_DeliversSignedRequest(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotAuth   string
		gotBody   []byte
	)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	target, err := NewHTTPTarget(srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("NewHTTPTarget failed: %v", err)
	}

	env := testEnvelope("env-1")
	if err := target.Deliver(context.Background(), env, "token-abc"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotPath != "/v1/sync" {
		t.Errorf("path = %q, want /v1/sync", gotPath)
	}
	if gotAuth != "Bearer token-abc" {
		t.Errorf("authorization = %q, want Bearer token-abc", gotAuth)
	}

	var req struct {
		Identity  string `json:"identity"`
		Data      string `json:"data"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if req.Identity != env.Request.Identity || req.Data != env.Request.Data || req.Signature != env.Request.Signature {
		t.Errorf("posted request %+v does not match envelope request %+v", req, env.Request)
	}
}

func TestHTTPTarget_ErrorStatusFailsDelivery(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	target, err := NewHTTPTarget(srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("NewHTTPTarget failed: %v", err)
	}

	if err := target.Deliver(context.Background(), testEnvelope("env-1"), "token"); err == nil {
		t.Error("expected error for 503 response")
	}
}

func TestNewHTTPTarget_RejectsCleartextEndpoint(t *testing.T) {
	if _, err := NewHTTPTarget(http.DefaultClient, "http://sync.example.com/v1/sync"); err == nil {
		t.Error("expected error for http endpoint")
	}
}

type fakeS3 struct {
	input *s3.PutObjectInput
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	return &s3.PutObjectOutput{}, nil
}

func TestS3Target_WritesUnderIdentityToken(t *testing.T) {
	fake := &fakeS3{}
	target := NewS3TargetWithClient(fake, "sync-bucket", "payloads")

	env := testEnvelope("env-1")
	if err := target.Deliver(context.Background(), env, "token"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if fake.input == nil {
		t.Fatal("PutObject was not called")
	}

	if *fake.input.Bucket != "sync-bucket" {
		t.Errorf("bucket = %q, want sync-bucket", *fake.input.Bucket)
	}

	key := *fake.input.Key
	if !strings.HasPrefix(key, "payloads/") || !strings.HasSuffix(key, "/env-1.json") {
		t.Errorf("key = %q, want payloads/<token>/env-1.json", key)
	}
	if strings.Contains(key, "u1") {
		t.Errorf("key %q leaks the raw identity", key)
	}
	if !strings.Contains(key, identityToken("u1")) {
		t.Errorf("key %q missing identity token", key)
	}

	body, err := io.ReadAll(fake.input.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	var req struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if req.Nonce != env.Request.Nonce {
		t.Errorf("nonce = %q, want %q", req.Nonce, env.Request.Nonce)
	}
}

func TestIdentityToken(t *testing.T) {
	if identityToken("u1") != identityToken("u1") {
		t.Error("token is not stable for the same identity")
	}
	if identityToken("u1") == identityToken("u2") {
		t.Error("distinct identities produced the same token")
	}
	if len(identityToken("u1")) != 16 {
		t.Errorf("token length = %d, want 16", len(identityToken("u1")))
	}
}
