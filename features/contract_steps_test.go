package features

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/google/uuid"

	"argent/internal/authorization/api"
	"argent/internal/authorization/application"
	"argent/internal/authorization/infrastructure/memory"
)

type contractState struct {
	server   *httptest.Server
	response *http.Response
}

func InitializeScenario(sc *godog.ScenarioContext) {
	state := &contractState{}

	sc.Step(`^the service is running$`, state.theServiceIsRunning)
	sc.Step(`^I request the health endpoint$`, state.iRequestTheHealthEndpoint)
	sc.Step(`^I submit an authorization request without a body$`, state.iSubmitAnAuthorizationRequestWithoutABody)
	sc.Step(`^I request the status of an unknown authorization$`, state.iRequestTheStatusOfAnUnknownAuthorization)
	sc.Step(`^the response status should be (\d+)$`, state.theResponseStatusShouldBe)

	sc.After(func(ctx context.Context, scenario *godog.Scenario, err error) (context.Context, error) {
		if state.server != nil {
			state.server.Close()
		}
		if state.response != nil {
			state.response.Body.Close()
		}
		return ctx, nil
	})
}

func (s *contractState) theServiceIsRunning() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// The real routes over an in-memory store. No worker runs here; the
	// contract only concerns status codes.
	service := application.NewAuthorizationService(memory.NewDataStore(), 10*time.Millisecond, time.Millisecond)
	api.NewHandler(service).RegisterRoutes(mux)

	s.server = httptest.NewServer(mux)
	return nil
}

func (s *contractState) iRequestTheHealthEndpoint() error {
	if s.server == nil {
		return fmt.Errorf("server not running")
	}
	resp, err := http.Get(s.server.URL + "/health")
	if err != nil {
		return fmt.Errorf("failed to request health endpoint: %w", err)
	}
	s.response = resp
	return nil
}

func (s *contractState) iSubmitAnAuthorizationRequestWithoutABody() error {
	if s.server == nil {
		return fmt.Errorf("server not running")
	}
	resp, err := http.Post(s.server.URL+"/v1/authorize", "application/json", strings.NewReader(""))
	if err != nil {
		return fmt.Errorf("failed to post authorization: %w", err)
	}
	s.response = resp
	return nil
}

func (s *contractState) iRequestTheStatusOfAnUnknownAuthorization() error {
	if s.server == nil {
		return fmt.Errorf("server not running")
	}
	url := fmt.Sprintf("%s/v1/authorize/%s/status?restaurant_id=%s",
		s.server.URL, uuid.NewString(), uuid.NewString())
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to request status: %w", err)
	}
	s.response = resp
	return nil
}

func (s *contractState) theResponseStatusShouldBe(expected int) error {
	if s.response == nil {
		return fmt.Errorf("no response received")
	}
	if s.response.StatusCode != expected {
		return fmt.Errorf("expected status %d, got %d", expected, s.response.StatusCode)
	}
	return nil
}
