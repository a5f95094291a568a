package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dag-consensus/consensus"
	"dag-consensus/handlers"
	"dag-consensus/logger"
	"dag-consensus/models"
	"dag-consensus/repository"
	"dag-consensus/routers"
)

var witnessList = []string{
	"w01", "w02", "w03", "w04", "w05", "w06",
	"w07", "w08", "w09", "w10", "w11", "w12",
}

type mockRepo struct {
	mu    sync.Mutex
	units map[string]*models.Unit
	tip   *models.ChainTip
}

func newMockRepo() *mockRepo {
	return &mockRepo{units: make(map[string]*models.Unit)}
}

func (m *mockRepo) PutUnit(u *models.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u.Clone()
	return nil
}

func (m *mockRepo) PutUnits(units []*models.Unit) error {
	for _, u := range units {
		if err := m.PutUnit(u); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockRepo) GetUnit(id string) (*models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u.Clone(), nil
}

func (m *mockRepo) GetUnstableUnits() ([]*models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var units []*models.Unit
	for _, u := range m.units {
		if !u.IsStable {
			units = append(units, u.Clone())
		}
	}
	return units, nil
}

func (m *mockRepo) PutChainTip(tip *models.ChainTip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tip = tip
	return nil
}

func (m *mockRepo) GetChainTip() (*models.ChainTip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tip == nil {
		return nil, repository.ErrNotFound
	}
	return m.tip, nil
}

func testServer(t *testing.T) *mux.Router {
	logger.Logger = zap.NewNop()

	var repoInterface repository.UnitRepositoryInterface = newMockRepo()
	core, err := consensus.NewCore(repoInterface, consensus.Config{StabilityRule: "legacy", UpgradeMci: -1})
	if err != nil {
		t.Fatalf("failed to build core: %v", err)
	}
	if err := core.Start(); err != nil {
		t.Fatalf("failed to start core: %v", err)
	}
	handler := handlers.NewHandler(core)
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler)
	return router
}

func postUnit(t *testing.T, router *mux.Router, id string, author string, parents []string) *httptest.ResponseRecorder {
	body := map[string]interface{}{
		"id":        id,
		"parents":   parents,
		"authors":   []string{author},
		"witnesses": witnessList,
		"sequence":  models.SeqGood,
	}
	bodyJSON, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/units", bytes.NewReader(bodyJSON))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func TestAcceptUnit_Success(t *testing.T) {
	router := testServer(t)

	res := postUnit(t, router, "G", "founder", nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestAcceptUnit_Duplicate(t *testing.T) {
	router := testServer(t)

	if res := postUnit(t, router, "G", "founder", nil); res.Code != http.StatusCreated {
		t.Fatalf("expected first accept 201, got %d", res.Code)
	}
	if res := postUnit(t, router, "A", "alice", []string{"G"}); res.Code != http.StatusCreated {
		t.Fatalf("expected accept 201, got %d", res.Code)
	}
	res := postUnit(t, router, "A", "alice", []string{"G"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected duplicate 400, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestAcceptUnit_MissingParent(t *testing.T) {
	router := testServer(t)

	if res := postUnit(t, router, "G", "founder", nil); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}
	res := postUnit(t, router, "B", "bob", []string{"NOPE"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestAcceptUnit_InvalidPayload(t *testing.T) {
	router := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/units", bytes.NewReader([]byte("{not json")))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestGetStability(t *testing.T) {
	router := testServer(t)

	if res := postUnit(t, router, "G", "founder", nil); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}
	if res := postUnit(t, router, "A", "alice", []string{"G"}); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/units/G/stability", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	// genesis is stable by definition at index 0; both facts arrive in one
	// response drawn from one record
	if body["is_stable"] != true {
		t.Fatalf("expected genesis stable, got %v", body)
	}
	if fmt.Sprintf("%v", body["main_chain_index"]) != "0" {
		t.Fatalf("expected mci 0, got %v", body["main_chain_index"])
	}

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/units/A/stability", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["is_stable"] != false {
		t.Fatalf("expected A unstable, got %v", body)
	}
}

func TestGetStability_NotFound(t *testing.T) {
	router := testServer(t)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/units/ghost/stability", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestGetWitnesses(t *testing.T) {
	router := testServer(t)

	if res := postUnit(t, router, "G", "founder", nil); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/units/G/witnesses", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body struct {
		Witnesses []string `json:"witnesses"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if len(body.Witnesses) != len(witnessList) {
		t.Fatalf("expected %d witnesses, got %d", len(witnessList), len(body.Witnesses))
	}
}

func TestGetTip(t *testing.T) {
	router := testServer(t)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/mainchain/tip", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before genesis, got %d", res.Code)
	}

	if res := postUnit(t, router, "G", "founder", nil); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}
	if res := postUnit(t, router, "A", "alice", []string{"G"}); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/mainchain/tip", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body["tip"] != "A" {
		t.Fatalf("expected tip A, got %v", body["tip"])
	}
}
