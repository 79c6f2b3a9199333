package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oronico/lanternprototype-sub000/internal/attribution"
	"github.com/oronico/lanternprototype-sub000/internal/config"
	"github.com/oronico/lanternprototype-sub000/internal/models"
	"github.com/oronico/lanternprototype-sub000/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func setupRouterWithDB(t *testing.T) *gin.Engine {
	t.Helper()
	// Use a per-test in-memory database to avoid cross-test interference
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := store.InitDB(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	st := store.New(db)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, st, attribution.NewEngine(st))
	return r
}

func httpDo(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type paymentResp struct {
	Payment   models.Payment `json:"payment"`
	Duplicate bool           `json:"duplicate"`
	Error     string         `json:"error"`
}

func decodePayment(t *testing.T, w *httptest.ResponseRecorder) paymentResp {
	t.Helper()
	var resp paymentResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func createEnrollment(t *testing.T, r *gin.Engine, family, student string, tuition float64) models.Enrollment {
	t.Helper()
	w := httpDo(r, "POST", "/enrollments", gin.H{
		"familyId":       family,
		"schoolId":       "school-1",
		"studentId":      student,
		"monthlyTuition": tuition,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var e models.Enrollment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	require.NotEmpty(t, e.ID)
	return e
}

func createPayment(t *testing.T, r *gin.Engine, path string, body gin.H) *httptest.ResponseRecorder {
	t.Helper()
	req := gin.H{
		"familyId":    "fam-1",
		"schoolId":    "school-1",
		"source":      "card",
		"paymentDate": "2025-11-03",
	}
	for k, v := range body {
		req[k] = v
	}
	return httpDo(r, "POST", path, req)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestPaymentIngestionAndAttribution(t *testing.T) {
	r := setupRouterWithDB(t)
	e1 := createEnrollment(t, r, "fam-1", "s1", 800)
	e2 := createEnrollment(t, r, "fam-1", "s2", 400)

	// ingest and attribute in one call
	w := createPayment(t, r, "/payments?attribute=true&asOf=2025-11-10", gin.H{
		"externalTransactionId": "ch_1",
		"grossAmount":           1234.80,
		"processorFee":          34.80,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodePayment(t, w)
	p := resp.Payment
	requireDecimal(t, "1200", p.NetAmount)
	require.Equal(t, models.AttributionAutoMatched, p.AttributionStatus)
	require.Equal(t, models.MethodExactMatch, p.AttributionMethod)
	require.Equal(t, models.PaymentAllocated, p.Status)
	require.Len(t, p.Allocations, 2)

	// same processor transaction is not ingested twice
	w = createPayment(t, r, "/payments", gin.H{"externalTransactionId": "ch_1", "grossAmount": 1234.80, "processorFee": 34.80})
	require.Equal(t, http.StatusOK, w.Code)
	dup := decodePayment(t, w)
	require.True(t, dup.Duplicate)
	require.Equal(t, p.ID, dup.Payment.ID)

	// already settled
	w = httpDo(r, "POST", "/payments/"+p.ID+"/attribute", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = httpDo(r, "GET", "/payments/"+p.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, p.ID, decodePayment(t, w).Payment.ID)

	w = httpDo(r, "GET", "/enrollments/"+e1.ID+"/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ledger struct {
		Enrollment models.Enrollment    `json:"enrollment"`
		Entries    []models.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ledger))
	requireDecimal(t, "800", ledger.Enrollment.AmountPaid)
	require.Len(t, ledger.Entries, 1)
	require.Equal(t, p.ID, ledger.Entries[0].PaymentID)

	w = httpDo(r, "GET", "/enrollments?familyId=fam-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var enrollments []models.Enrollment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &enrollments))
	require.Len(t, enrollments, 2)
	require.Equal(t, e2.ID, enrollments[1].ID)

	w = httpDo(r, "GET", "/payments/"+p.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audits struct {
		Data []models.AttributionAudit `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audits))
	require.Len(t, audits.Data, 1)
	require.Equal(t, models.AuditAttributed, audits.Data[0].Action)
}

func TestPaymentValidation(t *testing.T) {
	r := setupRouterWithDB(t)

	w := createPayment(t, r, "/payments", gin.H{"source": "bitcoin", "grossAmount": 10})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = createPayment(t, r, "/payments", gin.H{"paymentDate": "03/11/2025", "grossAmount": 10})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = createPayment(t, r, "/payments", gin.H{"grossAmount": 10, "processorFee": 20})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = httpDo(r, "GET", "/payments/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httpDo(r, "POST", "/payments/missing/attribute", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httpDo(r, "GET", "/enrollments/missing/ledger", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestReviewAndManualAllocation(t *testing.T) {
	r := setupRouterWithDB(t)
	e1 := createEnrollment(t, r, "fam-1", "s1", 1200)
	e2 := createEnrollment(t, r, "fam-1", "s2", 400)
	other := createEnrollment(t, r, "fam-2", "s3", 500)

	w := createPayment(t, r, "/payments?attribute=true&asOf=2025-11-10", gin.H{"grossAmount": 1000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decodePayment(t, w).Payment
	require.Equal(t, models.AttributionNeedsReview, p.AttributionStatus)

	w = httpDo(r, "GET", "/review-queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queue struct {
		Data  []models.Payment `json:"data"`
		Total int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	require.EqualValues(t, 1, queue.Total)
	require.Equal(t, p.ID, queue.Data[0].ID)

	// other family's enrollment
	w = httpDo(r, "POST", "/payments/"+p.ID+"/allocations", gin.H{
		"reviewerId":  "staff-7",
		"allocations": []gin.H{{"enrollmentId": other.ID, "amount": 1000, "month": 11, "year": 2025}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// over the net amount
	w = httpDo(r, "POST", "/payments/"+p.ID+"/allocations", gin.H{
		"reviewerId":  "staff-7",
		"allocations": []gin.H{{"enrollmentId": e1.ID, "amount": 1500, "month": 11, "year": 2025}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = httpDo(r, "POST", "/payments/"+p.ID+"/allocations", gin.H{
		"allocations": []gin.H{{"enrollmentId": e1.ID, "amount": 600, "month": 11, "year": 2025}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := gin.H{
		"reviewerId": "staff-7",
		"allocations": []gin.H{
			{"enrollmentId": e1.ID, "amount": 600, "month": 11, "year": 2025},
			{"enrollmentId": e2.ID, "amount": "400.00", "month": 11, "year": 2025},
		},
	}
	w = httpDo(r, "POST", "/payments/"+p.ID+"/allocations", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodePayment(t, w).Payment
	require.Equal(t, models.AttributionManualMatched, got.AttributionStatus)
	require.Equal(t, 1.0, got.AttributionConfidence)
	require.Equal(t, "staff-7", *got.ReviewedBy)

	// resubmitting the same split does not double-credit
	w = httpDo(r, "POST", "/payments/"+p.ID+"/allocations", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = httpDo(r, "GET", "/enrollments/"+e1.ID+"/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ledger struct {
		Enrollment models.Enrollment    `json:"enrollment"`
		Entries    []models.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ledger))
	requireDecimal(t, "600", ledger.Enrollment.AmountPaid)
	require.Len(t, ledger.Entries, 1)

	w = httpDo(r, "GET", "/review-queue", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	require.Zero(t, queue.Total)
}

func TestRefundPayment(t *testing.T) {
	r := setupRouterWithDB(t)
	w := createPayment(t, r, "/payments", gin.H{"grossAmount": 500})
	require.Equal(t, http.StatusCreated, w.Code)
	p := decodePayment(t, w).Payment

	w = httpDo(r, "POST", "/payments/"+p.ID+"/refund", gin.H{"amount": 500, "reason": "duplicate"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httpDo(r, "POST", "/payments/"+p.ID+"/refund", gin.H{"amount": 900, "actor": "staff-7"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = httpDo(r, "POST", "/payments/"+p.ID+"/refund", gin.H{"amount": 500, "reason": "duplicate", "actor": "staff-7"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, models.PaymentRefunded, decodePayment(t, w).Payment.Status)

	w = httpDo(r, "POST", "/payments/"+p.ID+"/attribute", nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestListPaymentsAndExport(t *testing.T) {
	r := setupRouterWithDB(t)
	createEnrollment(t, r, "fam-1", "s1", 700)

	for _, gross := range []float64{700, 123, 45} {
		w := createPayment(t, r, "/payments", gin.H{"grossAmount": gross})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := createPayment(t, r, "/payments", gin.H{"grossAmount": 10, "familyId": "fam-2"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = httpDo(r, "GET", "/payments?familyId=fam-1&pageSize=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data     []models.Payment `json:"data"`
		Page     int              `json:"page"`
		PageSize int              `json:"pageSize"`
		Total    int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.EqualValues(t, 3, list.Total)
	require.Len(t, list.Data, 2)
	require.Equal(t, 2, list.PageSize)

	w = httpDo(r, "GET", "/review-queue/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Disposition"), "review_queue_")

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Review Queue")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, "Payment ID", rows[0][0])
}
