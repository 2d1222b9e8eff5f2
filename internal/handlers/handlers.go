// Package handlers maps parsed HTTP requests onto the stores. The dispatcher
// receives complete request frames from the event-loop server, produces
// complete response frames, and never touches sockets.
package handlers

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/devicehub/devicehub/internal/device"
	"github.com/devicehub/devicehub/internal/httpcodec"
	"github.com/devicehub/devicehub/internal/metrics"
	"github.com/devicehub/devicehub/internal/store"
)

const (
	defaultLimit        = 100
	telemetryLimitMax   = 1000
	requirementLimitMax = 100
)

var (
	respOK            = []byte(`{"code":0,"message":"ok"}`)
	respInvalid       = []byte(`{"code":400,"message":"Invalid request"}`)
	respInvalidBody   = []byte(`{"code":400,"message":"Invalid request body"}`)
	respMissingDevice = []byte(`{"code":400,"message":"Missing device_id"}`)
	respNotFound      = []byte(`{"code":404,"message":"Not found"}`)
)

// API owns the four public endpoints. metrics may be nil.
type API struct {
	telemetry store.TelemetryStore
	reqs      store.RequirementStore
	devices   *device.Registry
	metrics   *metrics.Collector
	validate  *validator.Validate
}

func New(telemetry store.TelemetryStore, reqs store.RequirementStore, devices *device.Registry, m *metrics.Collector) *API {
	return &API{
		telemetry: telemetry,
		reqs:      reqs,
		devices:   devices,
		metrics:   m,
		validate:  validator.New(),
	}
}

// Handle turns one raw request frame into one response frame. It is the
// function submitted to the worker pool for every extracted request.
func (a *API) Handle(raw []byte) []byte {
	start := time.Now()

	req, err := httpcodec.ParseRequest(raw)
	if err != nil {
		a.observe("malformed", 400, start)
		return httpcodec.BuildResponse(400, respInvalid)
	}

	var status int
	var body []byte
	route := req.Method + " " + req.Path
	switch {
	case req.Method == "POST" && req.Path == "/api/v1/device/report":
		status, body = a.deviceReport(req)
	case req.Method == "GET" && req.Path == "/api/v1/device/query":
		status, body = a.deviceQuery(req)
	case req.Method == "POST" && req.Path == "/api/v1/requirement/report":
		status, body = a.requirementReport(req)
	case req.Method == "GET" && req.Path == "/api/v1/requirement/query":
		status, body = a.requirementQuery(req)
	default:
		route = "unmatched"
		status, body = 404, respNotFound
	}

	a.observe(route, status, start)
	return httpcodec.BuildResponse(status, body)
}

type deviceReportRequest struct {
	DeviceID  string              `json:"device_id" validate:"required"`
	Timestamp *float64            `json:"timestamp" validate:"required"`
	Metrics   map[string]*float64 `json:"metrics" validate:"required,min=1,dive,required"`
}

func (a *API) deviceReport(req *httpcodec.Request) (int, []byte) {
	var body deviceReportRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return 400, respInvalidBody
	}
	if err := a.validate.Struct(&body); err != nil {
		return 400, respInvalidBody
	}

	point := store.DataPoint{
		Timestamp: int64(*body.Timestamp),
		Metrics:   make(map[string]float64, len(body.Metrics)),
	}
	for k, v := range body.Metrics {
		point.Metrics[k] = *v
	}

	a.devices.EnsureRegistered(body.DeviceID)
	a.telemetry.Append(body.DeviceID, point)
	return 200, respOK
}

type deviceQueryResponse struct {
	DeviceID string           `json:"device_id"`
	Data     []map[string]any `json:"data"`
}

func (a *API) deviceQuery(req *httpcodec.Request) (int, []byte) {
	params := httpcodec.ParseQuery(req.Query)
	deviceID := params["device_id"]
	if deviceID == "" {
		return 400, respMissingDevice
	}

	limit := defaultLimit
	if v, ok := params["limit"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			limit = clamp(n, 1, telemetryLimitMax)
		}
	}

	points := a.telemetry.QueryLatest(deviceID, limit)

	// Metric keys are flattened beside the timestamp in each data item.
	data := make([]map[string]any, 0, len(points))
	for _, p := range points {
		item := make(map[string]any, len(p.Metrics)+1)
		item["timestamp"] = p.Timestamp
		for k, v := range p.Metrics {
			item[k] = v
		}
		data = append(data, item)
	}

	body, _ := json.Marshal(deviceQueryResponse{DeviceID: deviceID, Data: data})
	return 200, body
}

type requirementReportRequest struct {
	Title   string `json:"title" validate:"required"`
	Content string `json:"content" validate:"required"`
	// Tri-state: absent, null, and any non-0/1 value all mean unset.
	WillingToPay any    `json:"willing_to_pay"`
	Contact      string `json:"contact"`
	Notes        string `json:"notes"`
}

func (a *API) requirementReport(req *httpcodec.Request) (int, []byte) {
	var body requirementReportRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return 400, respInvalidBody
	}
	if err := a.validate.Struct(&body); err != nil {
		return 400, respInvalidBody
	}

	a.reqs.AppendRequirement(store.Requirement{
		Title:        body.Title,
		Content:      body.Content,
		WillingToPay: coerceWillingToPay(body.WillingToPay),
		Contact:      body.Contact,
		Notes:        body.Notes,
	})
	return 200, respOK
}

type requirementItem struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	WillingToPay *int   `json:"willing_to_pay"`
	Contact      string `json:"contact"`
	Notes        string `json:"notes"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type requirementQueryResponse struct {
	Code  int               `json:"code"`
	Data  []requirementItem `json:"data"`
	Total int64             `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

func (a *API) requirementQuery(req *httpcodec.Request) (int, []byte) {
	params := httpcodec.ParseQuery(req.Query)

	page := 1
	if v, ok := params["page"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			page = n
		}
	}
	limit := defaultLimit
	if v, ok := params["limit"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			limit = clamp(n, 1, requirementLimitMax)
		}
	}
	filter := store.FilterNone
	if v, ok := params["willing_to_pay"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			switch n {
			case store.FilterNo, store.FilterYes, store.FilterUnset:
				filter = n
			}
		}
	}

	res := a.reqs.QueryRequirements(page, limit, filter, params["keyword"])

	items := make([]requirementItem, 0, len(res.Data))
	for _, r := range res.Data {
		item := requirementItem{
			ID:        r.ID,
			Title:     r.Title,
			Content:   r.Content,
			Contact:   r.Contact,
			Notes:     r.Notes,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
		if r.WillingToPay != store.WTPUnset {
			v := int(r.WillingToPay)
			item.WillingToPay = &v
		}
		items = append(items, item)
	}

	body, _ := json.Marshal(requirementQueryResponse{
		Code:  0,
		Data:  items,
		Total: res.Total,
		Page:  res.Page,
		Limit: res.Limit,
	})
	return 200, body
}

// coerceWillingToPay accepts whatever the decoder produced for the field.
// JSON numbers arrive as float64; everything that is not exactly 0 or 1
// (null, absent, strings, other numbers) collapses to unset.
func coerceWillingToPay(v any) store.WillingToPay {
	f, ok := v.(float64)
	if !ok {
		return store.WTPUnset
	}
	switch int(f) {
	case 0:
		return store.WTPNo
	case 1:
		return store.WTPYes
	}
	return store.WTPUnset
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (a *API) observe(route string, status int, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.RequestObserved(route, status, time.Since(start))
}
