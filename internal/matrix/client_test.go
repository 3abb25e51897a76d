package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keysetup/internal/bootstrap"
	"github.com/arko-chat/keysetup/internal/crosssigning"
)

const (
	testUser   = id.UserID("@alice:example.org")
	testDevice = id.DeviceID("ALICEDEV")
	testToken  = "syt_token"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

type homeserver struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request, body map[string]any)
}

func newHomeserver(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body map[string]any)) (*homeserver, *Client) {
	t.Helper()
	hs := &homeserver{t: t, handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(hs.serve))
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{
		HomeserverURL: srv.URL + "/",
		AccessToken:   testToken,
		UserID:        testUser,
		DeviceID:      testDevice,
		HTTPClient:    srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return hs, client
}

func (hs *homeserver) serve(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
		hs.t.Errorf("Authorization = %q", got)
	}
	var body map[string]any
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			hs.t.Errorf("request body: %v", err)
		}
	}
	hs.mu.Lock()
	hs.requests = append(hs.requests, recordedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Body: body})
	hs.mu.Unlock()
	hs.handler(w, r, body)
}

func (hs *homeserver) recorded() []recordedRequest {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]recordedRequest(nil), hs.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{UserID: testUser}); !errors.Is(err, ErrNoHomeserver) {
		t.Errorf("missing homeserver: %v", err)
	}
	if _, err := NewClient(ClientConfig{HomeserverURL: "https://example.org"}); !errors.Is(err, ErrNoUser) {
		t.Errorf("missing user: %v", err)
	}
}

func TestErrorParsing(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		check  func(t *testing.T, err error)
	}{
		{
			name:   "matrix error",
			status: http.StatusForbidden,
			body:   map[string]any{"errcode": "M_FORBIDDEN", "error": "nope"},
			check: func(t *testing.T, err error) {
				var mErr *MatrixError
				if !errors.As(err, &mErr) || mErr.StatusCode != 403 || mErr.Message != "nope" {
					t.Errorf("err = %#v", err)
				}
				if !IsMatrixError(err, "M_FORBIDDEN") || IsMatrixError(err, "M_NOT_FOUND") {
					t.Error("IsMatrixError mismatch")
				}
			},
		},
		{
			name:   "uia",
			status: http.StatusUnauthorized,
			body: map[string]any{
				"session":   "sess",
				"flows":     []any{map[string]any{"stages": []any{"m.login.password"}}},
				"completed": []any{},
				"params":    map[string]any{},
			},
			check: func(t *testing.T, err error) {
				var uia *UIAError
				if !errors.As(err, &uia) || uia.Session != "sess" || len(uia.Flows) != 1 {
					t.Errorf("err = %#v", err)
				}
			},
		},
		{
			name:   "plain 401",
			status: http.StatusUnauthorized,
			body:   map[string]any{"errcode": "M_UNKNOWN_TOKEN", "error": "expired"},
			check: func(t *testing.T, err error) {
				if !IsMatrixError(err, "M_UNKNOWN_TOKEN") {
					t.Errorf("err = %#v", err)
				}
			},
		},
		{
			name:   "not json",
			status: http.StatusBadGateway,
			body:   nil,
			check: func(t *testing.T, err error) {
				var mErr *MatrixError
				if !errors.As(err, &mErr) || mErr.Code != "" || mErr.StatusCode != 502 {
					t.Errorf("err = %#v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newHomeserver(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
				if tt.body == nil {
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte("<html>bad gateway</html>"))
					return
				}
				writeJSON(w, tt.status, tt.body)
			})
			err := client.SetAccountData(context.Background(), "m.test", map[string]any{})
			tt.check(t, err)
		})
	}
}

func TestHasSingleStageFlow(t *testing.T) {
	uia := &UIAError{
		Flows: []UIAFlow{
			{Stages: []string{"m.login.sso"}},
			{Stages: []string{"m.login.recaptcha", "m.login.password"}},
		},
	}
	if uia.HasSingleStageFlow("m.login.password") {
		t.Error("two-stage flow treated as single stage")
	}
	uia.Completed = []string{"m.login.recaptcha"}
	if !uia.HasSingleStageFlow("m.login.password") {
		t.Error("completed stage not discounted")
	}
	if !uia.HasSingleStageFlow("m.login.sso") {
		t.Error("sso flow not found")
	}
}

func TestUploadDeviceSigningKeys(t *testing.T) {
	hs, client := newHomeserver(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	public, _, err := crosssigning.Generate(testUser)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	keys := map[string]crosssigning.KeyInfo{"master_key": public[id.XSUsageMaster]}

	ctx := context.Background()
	if err := client.UploadDeviceSigningKeys(ctx, nil, keys); err != nil {
		t.Fatalf("upload without auth: %v", err)
	}
	if err := client.UploadDeviceSigningKeys(ctx, map[string]any{"type": "m.login.dummy"}, keys); err != nil {
		t.Fatalf("upload with auth: %v", err)
	}

	reqs := hs.recorded()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].Method != http.MethodPost || reqs[0].Path != "/_matrix/client/v3/keys/device_signing/upload" {
		t.Errorf("request = %s %s", reqs[0].Method, reqs[0].Path)
	}
	if _, ok := reqs[0].Body["auth"]; ok {
		t.Error("nil auth was sent")
	}
	master, _ := reqs[0].Body["master_key"].(map[string]any)
	if master["user_id"] != string(testUser) {
		t.Errorf("master_key = %v", reqs[0].Body["master_key"])
	}
	if auth, _ := reqs[1].Body["auth"].(map[string]any); auth["type"] != "m.login.dummy" {
		t.Errorf("auth = %v", reqs[1].Body["auth"])
	}
}

func TestPasswordAuth(t *testing.T) {
	var calls atomic.Int32
	hs, client := newHomeserver(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		calls.Add(1)
		if _, ok := body["auth"]; !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"session": "abc",
				"flows":   []any{map[string]any{"stages": []any{"m.login.password"}}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	auth := PasswordAuth(testUser, "hunter2")
	err := auth(context.Background(), func(ctx context.Context, a map[string]any) error {
		return client.UploadDeviceSigningKeys(ctx, a, nil)
	})
	if err != nil {
		t.Fatalf("PasswordAuth: %v", err)
	}

	reqs := hs.recorded()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	sent, _ := reqs[1].Body["auth"].(map[string]any)
	if sent["type"] != "m.login.password" || sent["session"] != "abc" || sent["password"] != "hunter2" {
		t.Errorf("auth = %v", sent)
	}
	identifier, _ := sent["identifier"].(map[string]any)
	if identifier["user"] != string(testUser) {
		t.Errorf("identifier = %v", identifier)
	}
}

func TestPasswordAuthUnsupportedFlow(t *testing.T) {
	_, client := newHomeserver(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"session": "abc",
			"flows":   []any{map[string]any{"stages": []any{"m.login.sso"}}},
		})
	})
	err := PasswordAuth(testUser, "pw")(context.Background(), func(ctx context.Context, a map[string]any) error {
		return client.UploadDeviceSigningKeys(ctx, a, nil)
	})
	if !errors.Is(err, ErrUnsupportedAuth) {
		t.Errorf("err = %v", err)
	}
}

func TestNoAuthPassesThrough(t *testing.T) {
	var seen []map[string]any
	err := NoAuth()(context.Background(), func(_ context.Context, a map[string]any) error {
		seen = append(seen, a)
		return nil
	})
	if err != nil || len(seen) != 1 || seen[0] != nil {
		t.Errorf("NoAuth = %v, %v", seen, err)
	}
}

func TestAccountData(t *testing.T) {
	stored := map[string]map[string]any{}
	hs, client := newHomeserver(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		key := r.URL.Path
		switch r.Method {
		case http.MethodPut:
			stored[key] = body
			writeJSON(w, http.StatusOK, map[string]any{})
		case http.MethodGet:
			content, ok := stored[key]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "not found"})
				return
			}
			writeJSON(w, http.StatusOK, content)
		}
	})
	ctx := context.Background()

	if err := client.SetAccountData(ctx, "m.secret_storage.default_key", map[string]any{"key": "abc"}); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}
	if got := hs.recorded()[0].Path; got != "/_matrix/client/v3/user/@alice:example.org/account_data/m.secret_storage.default_key" {
		t.Errorf("path = %s", got)
	}

	content, err := client.GetAccountData(ctx, "m.secret_storage.default_key")
	if err != nil || content["key"] != "abc" {
		t.Errorf("GetAccountData = %v, %v", content, err)
	}

	missing, err := client.GetAccountData(ctx, "m.unset")
	if err != nil || missing != nil {
		t.Errorf("missing type = %v, %v", missing, err)
	}

	snapshot, err := client.AccountDataSnapshot(ctx, "m.secret_storage.default_key", "m.unset")
	if err != nil {
		t.Fatalf("AccountDataSnapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot["m.secret_storage.default_key"].Content.Raw["key"] != "abc" {
		t.Errorf("snapshot = %v", snapshot)
	}
}

func TestUploadKeySignaturesFailures(t *testing.T) {
	_, client := newHomeserver(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{
			"failures": map[string]any{
				string(testUser): map[string]any{
					string(testDevice): map[string]any{"errcode": "M_INVALID_SIGNATURE", "error": "bad"},
				},
			},
		})
	})

	err := client.UploadKeySignatures(context.Background(), bootstrap.KeySignatures{
		testUser: {string(testDevice): map[string]any{}},
	})
	var sigErr *SignatureUploadError
	if !errors.As(err, &sigErr) {
		t.Fatalf("err = %v", err)
	}
	if sigErr.Failures[testUser][string(testDevice)].Code != "M_INVALID_SIGNATURE" {
		t.Errorf("failures = %v", sigErr.Failures)
	}
}

func TestKeyBackupVersions(t *testing.T) {
	var (
		mu      sync.Mutex
		current *bootstrap.KeyBackupInfo
		gets    int
	)
	hs, client := newHomeserver(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet:
			gets++
			if current == nil {
				writeJSON(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "No current backup version"})
				return
			}
			writeJSON(w, http.StatusOK, current)
		case r.Method == http.MethodPost:
			authData, _ := body["auth_data"].(map[string]any)
			current = &bootstrap.KeyBackupInfo{Version: "1", Algorithm: id.KeyBackupAlgorithmMegolmBackupV1, AuthData: authData}
			writeJSON(w, http.StatusOK, map[string]any{"version": "1"})
		case r.Method == http.MethodPut:
			writeJSON(w, http.StatusOK, map[string]any{})
		}
	})
	ctx := context.Background()

	info, err := client.KeyBackupVersion(ctx)
	if err != nil || info != nil {
		t.Fatalf("no backup = %v, %v", info, err)
	}
	if _, err := client.KeyBackupVersion(ctx); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if gets != 1 {
		t.Errorf("cached lookup hit the server: %d gets", gets)
	}
	mu.Unlock()

	version, err := client.CreateKeyBackupVersion(ctx, bootstrap.KeyBackupInfo{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  map[string]any{"public_key": "pk"},
	})
	if err != nil || version != "1" {
		t.Fatalf("CreateKeyBackupVersion = %q, %v", version, err)
	}

	info, err = client.KeyBackupVersion(ctx)
	if err != nil || info == nil || info.Version != "1" || info.AuthData["public_key"] != "pk" {
		t.Fatalf("after create = %+v, %v", info, err)
	}

	if err := client.UpdateKeyBackupVersion(ctx, "1", id.KeyBackupAlgorithmMegolmBackupV1, map[string]any{"public_key": "pk2"}); err != nil {
		t.Fatalf("UpdateKeyBackupVersion: %v", err)
	}
	reqs := hs.recorded()
	put := reqs[len(reqs)-1]
	if put.Method != http.MethodPut || put.Path != "/_matrix/client/v3/room_keys/version/1" {
		t.Errorf("update request = %s %s", put.Method, put.Path)
	}
	if put.Body["version"] != "1" || put.Body["algorithm"] != string(id.KeyBackupAlgorithmMegolmBackupV1) {
		t.Errorf("update body = %v", put.Body)
	}
}

func TestQueryOwnDeviceKeys(t *testing.T) {
	public, _, err := crosssigning.Generate(testUser)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	hs, client := newHomeserver(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{
			"device_keys": map[string]any{
				string(testUser): map[string]any{
					string(testDevice): map[string]any{"device_id": string(testDevice), "user_id": string(testUser)},
				},
			},
			"master_keys": map[string]any{string(testUser): public[id.XSUsageMaster]},
		})
	})

	own, err := client.QueryOwnDeviceKeys(context.Background())
	if err != nil {
		t.Fatalf("QueryOwnDeviceKeys: %v", err)
	}
	if own.Device["device_id"] != string(testDevice) {
		t.Errorf("device = %v", own.Device)
	}
	if own.MasterKey == nil || own.MasterKey.PublicKey() != public[id.XSUsageMaster].PublicKey() {
		t.Errorf("master key = %+v", own.MasterKey)
	}
	if own.SelfSigningKey != nil {
		t.Error("unexpected self-signing key")
	}

	query, _ := hs.recorded()[0].Body["device_keys"].(map[string]any)
	if devices, _ := query[string(testUser)].([]any); len(devices) != 1 || devices[0] != string(testDevice) {
		t.Errorf("query = %v", query)
	}
}

func TestQueryOwnDeviceKeysMissingDevice(t *testing.T) {
	_, client := newHomeserver(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{"device_keys": map[string]any{}})
	})
	if _, err := client.QueryOwnDeviceKeys(context.Background()); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("err = %v", err)
	}
}
