package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nodeflow/nodeflow/config"
	"github.com/nodeflow/nodeflow/internal/request"
)

// RHubName is the provider name stored in poll payloads for RunningHub jobs.
const RHubName = "rhub"

var rhubNotFoundCodes = map[int]bool{404: true, 40001: true, 40002: true, 50001: true}

// RHub polls the RunningHub task output API.
type RHub struct {
	baseURL       string
	defaultAPIKey string
	client        *request.Client
}

func NewRHub(cfg config.RHubConfig) *RHub {
	return &RHub{
		baseURL:       cfg.BaseURL,
		defaultAPIKey: cfg.APIKey,
		client:        request.New(cfg.Timeout, nil),
	}
}

func (r *RHub) Name() string { return RHubName }

type rhubOutput struct {
	Video string `json:"video"`
}

type rhubResult struct {
	URL string `json:"url"`
}

type rhubData struct {
	Status       string       `json:"status"`
	Results      []rhubResult `json:"results"`
	Output       *rhubOutput  `json:"output"`
	ResultURL    string       `json:"resultUrl"`
	ErrorMessage string       `json:"errorMessage"`
}

type rhubResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
	rhubData
}

func (d rhubData) url() string {
	for _, res := range d.Results {
		if res.URL != "" {
			return res.URL
		}
	}
	if d.Output != nil && d.Output.Video != "" {
		return d.Output.Video
	}
	return d.ResultURL
}

func (d rhubData) empty() bool {
	return d.Status == "" && d.url() == "" && d.ErrorMessage == ""
}

// Poll asks RunningHub for the state of externalTaskID. The payload api key wins over the configured one.
func (r *RHub) Poll(ctx context.Context, externalTaskID, apiKey string) PollResult {
	if apiKey == "" {
		apiKey = r.defaultAPIKey
	}

	body, err := request.ToJsonReq(map[string]string{"taskId": externalTaskID})
	if err != nil {
		return PollResult{Status: StatusError, Error: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, body)
	if err != nil {
		return PollResult{Status: StatusError, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	var resp rhubResponse
	_, err = r.client.Call(req, &resp)
	if err != nil {
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) {
			return PollResult{
				Status:    StatusError,
				Error:     fmt.Sprintf("rhub api returned %d", statusErr.StatusCode),
				Transient: statusErr.StatusCode >= http.StatusInternalServerError,
				NotFound:  statusErr.StatusCode == http.StatusNotFound,
			}
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return PollResult{Status: StatusError, Error: "rhub returned malformed response: " + err.Error()}
		}
		return PollResult{Status: StatusError, Error: "network error: " + err.Error(), Transient: true}
	}

	if resp.Code != 0 {
		if rhubNotFoundCodes[resp.Code] {
			return PollResult{Status: StatusError, Error: fmt.Sprintf("task not found (code %d): %s", resp.Code, resp.Msg), NotFound: true}
		}
		return PollResult{Status: StatusError, Error: fmt.Sprintf("rhub api error (code %d): %s", resp.Code, resp.Msg)}
	}

	data := resp.rhubData
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		var nested rhubData
		if err := json.Unmarshal(resp.Data, &nested); err == nil && !nested.empty() {
			data = nested
		}
	}
	return mapRHubStatus(data, resp.Msg)
}

func mapRHubStatus(data rhubData, msg string) PollResult {
	switch strings.ToUpper(data.Status) {
	case "SUCCESS", "COMPLETED":
		return PollResult{Status: StatusSucceeded, ResultURL: data.url()}
	case "FAILED":
		errMsg := data.ErrorMessage
		if errMsg == "" {
			errMsg = msg
		}
		if errMsg == "" {
			errMsg = "external task failed"
		}
		return PollResult{Status: StatusFailed, Error: errMsg}
	case "ERROR":
		return PollResult{Status: StatusError, Error: data.ErrorMessage}
	default:
		return PollResult{Status: StatusRunning}
	}
}
