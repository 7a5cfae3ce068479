// Package http implements the Duration Oracle port against a remote
// estimation service (LLM-backed or statistical) speaking JSON.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

type oracleClient struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewOracleClient(baseURL string, timeout time.Duration, log *zap.Logger) port.DurationOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &oracleClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// estimateRequest is what the estimation service receives. The
// category factor travels with the request so a service that keeps
// its own history can decline to double-correct.
type estimateRequest struct {
	TaskID            string             `json:"task_id"`
	Name              string             `json:"name"`
	Priority          int                `json:"priority"`
	Requirements      map[string]float64 `json:"requirements"`
	Category          string             `json:"category"`
	CalibrationFactor float64            `json:"calibration_factor"`
}

// Estimation service response envelope
type estimateResponse struct {
	Status string `json:"status"`
	Data   struct {
		MeanMinutes        float64 `json:"mean_minutes"`
		VarianceMinutes    float64 `json:"variance_minutes"`
		Confidence         float64 `json:"confidence"`
		HistoricalDataUsed bool    `json:"historical_data_used"`
	} `json:"data"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

// Estimate queries the remote service once and applies the category
// calibration to its raw output.
func (o *oracleClient) Estimate(ctx context.Context, task *domain.Task, cal *domain.CalibrationSnapshot) (domain.Estimate, error) {
	category := task.Category()

	reqs := make(map[string]float64, len(task.Requirements))
	for rid, qty := range task.Requirements {
		reqs[string(rid)] = qty
	}
	payload, err := json.Marshal(estimateRequest{
		TaskID:            string(task.ID),
		Name:              task.Name,
		Priority:          task.Priority,
		Requirements:      reqs,
		Category:          category,
		CalibrationFactor: cal.Factor(category),
	})
	if err != nil {
		return domain.Estimate{}, fmt.Errorf("failed to encode request: %w", err)
	}

	reqURL := o.baseURL + "/api/v1/estimate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return domain.Estimate{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return domain.Estimate{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return domain.Estimate{}, fmt.Errorf("estimator returned status %d: %s", resp.StatusCode, string(body))
	}

	var result estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.Estimate{}, fmt.Errorf("JSON decode failed: %w", err)
	}

	if result.Status != "success" {
		return domain.Estimate{}, fmt.Errorf("estimator error: %s (%s)", result.Error, result.ErrorType)
	}
	if result.Data.MeanMinutes <= 0 {
		return domain.Estimate{}, fmt.Errorf("estimator returned non-positive mean: %f", result.Data.MeanMinutes)
	}

	confidence := result.Data.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	raw := domain.Estimate{
		Mean:               time.Duration(result.Data.MeanMinutes * float64(time.Minute)),
		Variance:           time.Duration(result.Data.VarianceMinutes * float64(time.Minute)),
		Confidence:         confidence,
		HistoricalDataUsed: result.Data.HistoricalDataUsed,
	}
	est := cal.Adjust(category, raw)

	o.log.Debug("oracle estimate",
		zap.String("task_id", string(task.ID)),
		zap.String("category", category),
		zap.Duration("mean", est.Mean),
		zap.Float64("confidence", est.Confidence))
	return est, nil
}
