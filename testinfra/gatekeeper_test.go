// Package testinfra runs end-to-end tests against a real Synapse with a
// running mautrix-gatekeeper managing one room.
//
// The bot must already be joined to GATEKEEPER_ROOM, which must be listed
// as managed in its config, and its admin API must be reachable.
// GATEKEEPER_FILTER_TERM enables the word filter test when the term is in
// the bot's word_filter list.
//
// Run:  cd testinfra && go test ./...
package testinfra

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

// ────────────────────────────────────────────────────────────────────
// Constants & shared state
// ────────────────────────────────────────────────────────────────────

var (
	synapseURL    string
	sharedSecret  string
	adminURL      string // gatekeeper admin API
	adminToken    string // admin_api_token of the running gatekeeper
	managedRoom   string
	filterTerm    string
	botMXID       string
	moderator     user // synapse admin, room admin of managedRoom
	commandPrefix = "!"
)

type user struct {
	MXID  string
	Token string
}

func TestMain(m *testing.M) {
	synapseURL = envOr("SYNAPSE_URL", "http://localhost:18008")
	sharedSecret = envOr("SYNAPSE_SHARED_SECRET", "test-shared-secret")
	adminURL = envOr("GATEKEEPER_ADMIN_URL", "http://localhost:29320")
	adminToken = os.Getenv("GATEKEEPER_ADMIN_TOKEN")
	managedRoom = os.Getenv("GATEKEEPER_ROOM")
	filterTerm = os.Getenv("GATEKEEPER_FILTER_TERM")

	if managedRoom == "" || adminToken == "" {
		fmt.Println("SKIP: GATEKEEPER_ROOM and GATEKEEPER_ADMIN_TOKEN required")
		os.Exit(0)
	}

	botMXID = mustBotID()
	moderator = mustRegister("moderator", true)
	mustMakeRoomAdmin(moderator.MXID)

	os.Exit(m.Run())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ────────────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────────────

func doJSON(t testing.TB, method, url string, body any, token string) (int, map[string]any) {
	t.Helper()
	code, result, err := doJSONRaw(method, url, body, token)
	if err != nil {
		t.Fatalf("HTTP %s %s: %v", method, url, err)
	}
	return code, result
}

func doJSONRaw(method, url string, body any, token string) (int, map[string]any, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		bodyReader = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result) //nolint:errcheck
	return resp.StatusCode, result, nil
}

func computeMAC(nonce, user, password string, admin bool) string {
	mac := hmac.New(sha1.New, []byte(sharedSecret))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\x00"))
	mac.Write([]byte(user))
	mac.Write([]byte("\x00"))
	mac.Write([]byte(password))
	mac.Write([]byte("\x00"))
	if admin {
		mac.Write([]byte("admin"))
	} else {
		mac.Write([]byte("notadmin"))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func roomPath(roomID string) string {
	return synapseURL + "/_matrix/client/v3/rooms/" + url.PathEscape(roomID)
}

// ────────────────────────────────────────────────────────────────────
// Setup helpers
// ────────────────────────────────────────────────────────────────────

func mustBotID() string {
	code, resp, err := doJSONRaw(http.MethodGet, adminURL+"/api/status", nil, "")
	if err != nil || code != http.StatusOK {
		fmt.Printf("FAIL: gatekeeper admin API: %d %v %v\n", code, resp, err)
		os.Exit(1)
	}
	mxid, _ := resp["user_id"].(string)
	if mxid == "" {
		fmt.Printf("FAIL: status without user_id: %v\n", resp)
		os.Exit(1)
	}
	return mxid
}

// mustRegister creates a user through the shared-secret registration API,
// or logs in when it already exists.
func mustRegister(localpart string, admin bool) user {
	password := localpart + "-pass123"
	code, resp, err := doJSONRaw(http.MethodGet, synapseURL+"/_synapse/admin/v1/register", nil, "")
	if err != nil || code != http.StatusOK {
		fmt.Printf("FAIL: register nonce: %d %v %v\n", code, resp, err)
		os.Exit(1)
	}
	nonce := resp["nonce"].(string)
	body := map[string]any{
		"nonce":    nonce,
		"username": localpart,
		"password": password,
		"admin":    admin,
		"mac":      computeMAC(nonce, localpart, password, admin),
	}
	code, resp, err = doJSONRaw(http.MethodPost, synapseURL+"/_synapse/admin/v1/register", body, "")
	if err == nil && code == http.StatusOK {
		return user{MXID: resp["user_id"].(string), Token: resp["access_token"].(string)}
	}
	if errCode, _ := resp["errcode"].(string); errCode == "M_USER_IN_USE" {
		return mustLogin(localpart, password)
	}
	fmt.Printf("FAIL: register %s: %d %v %v\n", localpart, code, resp, err)
	os.Exit(1)
	return user{}
}

func mustLogin(localpart, password string) user {
	body := map[string]any{
		"type":       "m.login.password",
		"identifier": map[string]string{"type": "m.id.user", "user": localpart},
		"password":   password,
	}
	code, resp, err := doJSONRaw(http.MethodPost, synapseURL+"/_matrix/client/v3/login", body, "")
	if err != nil || code != http.StatusOK {
		fmt.Printf("FAIL: login %s: %d %v %v\n", localpart, code, resp, err)
		os.Exit(1)
	}
	return user{MXID: resp["user_id"].(string), Token: resp["access_token"].(string)}
}

func mustMakeRoomAdmin(mxid string) {
	code, resp, err := doJSONRaw(http.MethodPost,
		synapseURL+"/_synapse/admin/v1/rooms/"+url.PathEscape(managedRoom)+"/make_room_admin",
		map[string]string{"user_id": mxid}, moderator.Token)
	if err != nil || code != http.StatusOK {
		fmt.Printf("FAIL: make %s room admin: %d %v %v\n", mxid, code, resp, err)
		os.Exit(1)
	}
}

// newcomer registers a fresh user and joins it to the managed room.
func newcomer(t *testing.T, name string) user {
	t.Helper()
	u := mustRegister(fmt.Sprintf("%s-%d", name, time.Now().UnixNano()), false)
	code, resp := doJSON(t, http.MethodPost,
		synapseURL+"/_synapse/admin/v1/join/"+url.PathEscape(managedRoom),
		map[string]string{"user_id": u.MXID}, moderator.Token)
	if code != http.StatusOK {
		t.Fatalf("join %s: %d %v", u.MXID, code, resp)
	}
	return u
}

// ────────────────────────────────────────────────────────────────────
// Matrix helpers
// ────────────────────────────────────────────────────────────────────

func sendText(t *testing.T, sender user, message string) string {
	t.Helper()
	txnID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	code, resp := doJSON(t, http.MethodPut,
		roomPath(managedRoom)+"/send/m.room.message/"+txnID,
		map[string]string{"msgtype": "m.text", "body": message}, sender.Token)
	if code != http.StatusOK {
		t.Fatalf("send as %s: %d %v", sender.MXID, code, resp)
	}
	return resp["event_id"].(string)
}

func getMessages(t *testing.T, limit int) []map[string]any {
	t.Helper()
	code, resp := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/_synapse/admin/v1/rooms/%s/messages?dir=b&limit=%d",
			synapseURL, url.PathEscape(managedRoom), limit),
		nil, moderator.Token)
	if code != http.StatusOK {
		t.Fatalf("messages: %d %v", code, resp)
	}
	chunk, _ := resp["chunk"].([]any)
	var msgs []map[string]any
	for _, c := range chunk {
		if m, ok := c.(map[string]any); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

func botMessageContaining(substrings ...string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		if m["sender"] != botMXID || m["type"] != "m.room.message" {
			return false
		}
		content, _ := m["content"].(map[string]any)
		body, _ := content["body"].(string)
		formatted, _ := content["formatted_body"].(string)
		for _, s := range substrings {
			if !strings.Contains(body, s) && !strings.Contains(formatted, s) {
				return false
			}
		}
		return true
	}
}

func pollForEvent(t *testing.T, match func(map[string]any) bool, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, m := range getMessages(t, 50) {
			if match(m) {
				return m
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("event not found in %s within %v", managedRoom, timeout)
	return nil
}

func userLevel(t *testing.T, mxid string) int {
	t.Helper()
	code, resp := doJSON(t, http.MethodGet, roomPath(managedRoom)+"/state/m.room.power_levels/", nil, moderator.Token)
	if code != http.StatusOK {
		t.Fatalf("power levels: %d %v", code, resp)
	}
	users, _ := resp["users"].(map[string]any)
	level, _ := users[mxid].(float64)
	return int(level)
}

func runCommand(t *testing.T, line string) (int, map[string]any) {
	t.Helper()
	return doJSON(t, http.MethodPost, adminURL+"/api/command", map[string]string{"command": line}, adminToken)
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Health checks
// ════════════════════════════════════════════════════════════════════

func TestSynapseHealthy(t *testing.T) {
	code, _ := doJSON(t, http.MethodGet, synapseURL+"/health", nil, "")
	if code != http.StatusOK {
		t.Fatalf("Synapse /health: %d", code)
	}
}

func TestGatekeeperLive(t *testing.T) {
	code, resp := doJSON(t, http.MethodGet, adminURL+"/api/status", nil, "")
	if code != http.StatusOK {
		t.Fatalf("status: %d %v", code, resp)
	}
	if live, _ := resp["live"].(bool); !live {
		t.Errorf("gatekeeper not live: %v", resp)
	}
	rooms, _ := resp["managed_rooms"].([]any)
	found := false
	for _, r := range rooms {
		found = found || r == managedRoom
	}
	if !found {
		t.Errorf("%s not managed: %v", managedRoom, rooms)
	}
}

func TestMetricsExposed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, adminURL+"/metrics", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "gatekeeper_") {
		t.Error("no gatekeeper metrics exported")
	}
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Admin API console
// ════════════════════════════════════════════════════════════════════

func TestAdminAPICommandMethodNotAllowed(t *testing.T) {
	code, _ := doJSON(t, http.MethodGet, adminURL+"/api/command", nil, "")
	if code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/command: %d, want 405", code)
	}
}

func TestAdminAPICommandInvalidJSON(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, adminURL+"/api/command", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid JSON: %d, want 400", resp.StatusCode)
	}
}

func TestAdminAPICommandUnauthenticated(t *testing.T) {
	body := map[string]string{"command": "ping"}
	if code, _ := doJSON(t, http.MethodPost, adminURL+"/api/command", body, ""); code != http.StatusUnauthorized {
		t.Errorf("no token: %d, want 401", code)
	}
	if code, _ := doJSON(t, http.MethodPost, adminURL+"/api/command", body, adminToken+"x"); code != http.StatusUnauthorized {
		t.Errorf("wrong token: %d, want 401", code)
	}
}

func TestAdminAPICommandPing(t *testing.T) {
	code, resp := runCommand(t, "ping")
	replies, _ := resp["replies"].([]any)
	if code != http.StatusOK || len(replies) != 1 || replies[0] != "Pong!" {
		t.Errorf("ping: %d %v", code, resp)
	}
}

func TestAdminAPICommandUnknown(t *testing.T) {
	code, resp := runCommand(t, "no.such.command")
	if code != http.StatusNotFound || resp["error"] == nil {
		t.Errorf("unknown command: %d %v", code, resp)
	}
}

// ════════════════════════════════════════════════════════════════════
// TESTS: Room behavior
// ════════════════════════════════════════════════════════════════════

func TestPingInRoom(t *testing.T) {
	sendText(t, moderator, commandPrefix+"ping")
	pollForEvent(t, botMessageContaining("Pong!", moderator.MXID), 30*time.Second)
}

func TestCommandIgnoredForRegularMember(t *testing.T) {
	u := newcomer(t, "curious")
	marker := fmt.Sprintf("%d", time.Now().UnixNano())
	sendText(t, u, commandPrefix+"kick "+moderator.MXID+" --reason="+marker)
	time.Sleep(5 * time.Second)
	for _, m := range getMessages(t, 50) {
		if botMessageContaining(marker)(m) {
			t.Fatalf("bot answered a forbidden command: %v", m)
		}
	}
	if userLevel(t, moderator.MXID) != 100 {
		t.Error("moderator lost their level")
	}
}

func TestWordFilterRedacts(t *testing.T) {
	if filterTerm == "" {
		t.Skip("GATEKEEPER_FILTER_TERM not set")
	}
	u := newcomer(t, "spammer")
	eventID := sendText(t, u, "please buy "+strings.ToUpper(filterTerm)+" today")
	pollForEvent(t, func(m map[string]any) bool {
		if m["type"] != "m.room.redaction" || m["sender"] != botMXID {
			return false
		}
		content, _ := m["content"].(map[string]any)
		return m["redacts"] == eventID || content["redacts"] == eventID
	}, 30*time.Second)
}

func TestNewcomerQueuedForReview(t *testing.T) {
	u := newcomer(t, "newbie")
	pollForEvent(t, botMessageContaining(u.MXID), 60*time.Second)
	if level := userLevel(t, u.MXID); level != 0 {
		t.Errorf("newcomer level = %d, want 0 until reviewed", level)
	}
}

func TestMuteAndWhitelistCommands(t *testing.T) {
	u := newcomer(t, "target")
	room := managedRoom
	// mute only touches members the bot has seen join.
	time.Sleep(3 * time.Second)

	code, resp := runCommand(t, fmt.Sprintf("mute %s %s", u.MXID, room))
	if code != http.StatusOK {
		t.Fatalf("mute: %d %v", code, resp)
	}
	if level := userLevel(t, u.MXID); level != -1 {
		t.Errorf("level after mute = %d, want -1", level)
	}

	code, resp = runCommand(t, fmt.Sprintf("level.set %s %s 0", u.MXID, room))
	if code != http.StatusOK {
		t.Fatalf("level.set: %d %v", code, resp)
	}
	code, resp = runCommand(t, fmt.Sprintf("whitelist %s %s", u.MXID, room))
	if code != http.StatusOK {
		t.Fatalf("whitelist: %d %v", code, resp)
	}
	if level := userLevel(t, u.MXID); level != 1 {
		t.Errorf("level after whitelist = %d, want 1", level)
	}

	code, resp = runCommand(t, "db.get_user "+u.MXID)
	replies, _ := resp["replies"].([]any)
	if code != http.StatusOK || len(replies) != 1 || !strings.Contains(fmt.Sprint(replies[0]), "whitelist") {
		t.Errorf("db.get_user: %d %v", code, resp)
	}
}

func TestTimedBanSchedulesUnban(t *testing.T) {
	u := newcomer(t, "banned")
	code, resp := runCommand(t, fmt.Sprintf("ban %s %s 1h --reason=e2e", u.MXID, managedRoom))
	if code != http.StatusOK {
		t.Fatalf("ban: %d %v", code, resp)
	}
	code, status := doJSON(t, http.MethodGet, adminURL+"/api/status", nil, "")
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if n, _ := status["scheduled_actions"].(float64); n < 1 {
		t.Errorf("no scheduled unban: %v", status)
	}
}
