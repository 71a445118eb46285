package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/rest"
)

var apiClient = &http.Client{Timeout: 5 * time.Second}

func apiPut(t *testing.T, addr, key, value string) (*http.Response, rest.WriteResponse) {
	t.Helper()
	body, _ := json.Marshal(rest.PutKeyRequest{Value: value})
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("http://%s/api/v1/kv/%s", addr, key), bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", key, err)
	}
	defer resp.Body.Close()
	var out rest.WriteResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func apiGet(t *testing.T, addr, key string) (*http.Response, rest.KeyResponse) {
	t.Helper()
	resp, err := apiClient.Get(fmt.Sprintf("http://%s/api/v1/kv/%s", addr, key))
	if err != nil {
		t.Fatalf("GET %s: %v", key, err)
	}
	defer resp.Body.Close()
	var out rest.KeyResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func apiDelete(t *testing.T, addr, key string) (*http.Response, rest.WriteResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("http://%s/api/v1/kv/%s", addr, key), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", key, err)
	}
	defer resp.Body.Close()
	var out rest.WriteResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func apiStatus(t *testing.T, addr string) rest.StatusResponse {
	t.Helper()
	resp, err := apiClient.Get(fmt.Sprintf("http://%s/api/v1/status", addr))
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var out rest.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return out
}

func TestAPIPutGetDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	c := newKVCluster(t, 1)
	c.start()
	defer c.stop()

	leader := c.waitForLeader(3 * time.Second)
	if leader == nil {
		t.Fatal("no leader")
	}
	addr := leader.api.Addr()

	resp, err := apiClient.Get(fmt.Sprintf("http://%s/api/v1/health", addr))
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	resp, write := apiPut(t, addr, "greeting", "hello")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	if write.Index == 0 || write.Term == 0 {
		t.Errorf("write position = %d.%d, want non-zero", write.Term, write.Index)
	}
	if write.Existed {
		t.Error("fresh key reported as existing")
	}

	resp, read := apiGet(t, addr, "greeting")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	if read.Value != "hello" {
		t.Errorf("value = %q, want hello", read.Value)
	}

	// Overwrite reports the previous value.
	_, write = apiPut(t, addr, "greeting", "hi")
	if !write.Existed || write.Previous != "hello" {
		t.Errorf("overwrite = %+v, want existed with previous hello", write)
	}

	resp, del := apiDelete(t, addr, "greeting")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	if !del.Existed || del.Previous != "hi" {
		t.Errorf("delete = %+v, want existed with previous hi", del)
	}

	resp, _ = apiGet(t, addr, "greeting")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET deleted key status = %d, want 404", resp.StatusCode)
	}

	st := apiStatus(t, addr)
	if st.Role != "leader" {
		t.Errorf("role = %q, want leader", st.Role)
	}
	if len(st.Voters) != 1 {
		t.Errorf("voters = %v, want one", st.Voters)
	}
	if st.Keys != 0 {
		t.Errorf("keys = %d, want 0 after delete", st.Keys)
	}
}

func TestAPIFollowerReportsLeader(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	c := newKVCluster(t, 3)
	c.start()
	defer c.stop()

	c.mustSet("k", "v")
	leader := c.waitForLeader(3 * time.Second)
	if leader == nil {
		t.Fatal("no leader")
	}
	var follower *kvNode
	for _, n := range c.nodes {
		if n.id != leader.id {
			follower = n
			break
		}
	}

	// Followers hear the leader through appends; wait for the hint to
	// propagate before asserting on it.
	if !waitFor(3*time.Second, func() bool {
		id, _ := follower.node.LeaderHint()
		return id == leader.id
	}) {
		t.Fatal("follower never learned the leader")
	}

	body, _ := json.Marshal(rest.PutKeyRequest{Value: "y"})
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("http://%s/api/v1/kv/x", follower.api.Addr()), bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		t.Fatalf("PUT on follower: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var errResp rest.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errResp.Error != "not_leader" {
		t.Errorf("error = %q, want not_leader", errResp.Error)
	}
	if errResp.LeaderID != leader.id {
		t.Errorf("leaderId = %d, want %d", errResp.LeaderID, leader.id)
	}
	if errResp.LeaderAddr != leader.addr {
		t.Errorf("leaderAddr = %q, want %q", errResp.LeaderAddr, leader.addr)
	}
}
