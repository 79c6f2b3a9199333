package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oronico/lanternprototype-sub000/internal/attribution"
	"github.com/oronico/lanternprototype-sub000/internal/models"
	"github.com/oronico/lanternprototype-sub000/internal/review"
	"github.com/oronico/lanternprototype-sub000/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type Handler struct {
	store  *store.Store
	engine *attribution.Engine
	now    func() time.Time
}

func RegisterRoutes(r *gin.Engine, st *store.Store, engine *attribution.Engine) {
	h := &Handler{store: st, engine: engine, now: time.Now}

	r.POST("/payments", h.createPayment)
	r.GET("/payments", h.listPayments)
	r.GET("/payments/:id", h.getPayment)
	r.GET("/payments/:id/audit", h.paymentAudit)
	r.POST("/payments/:id/attribute", h.attributePayment)
	r.POST("/payments/:id/allocations", h.manualAllocate)
	r.POST("/payments/:id/refund", h.refundPayment)

	r.GET("/review-queue", h.reviewQueue)
	r.GET("/review-queue/export", h.exportReviewQueue)

	r.POST("/enrollments", h.createEnrollment)
	r.GET("/enrollments", h.listEnrollments)
	r.GET("/enrollments/:id/ledger", h.enrollmentLedger)
}

type paymentCreateReq struct {
	ExternalTransactionID *string         `json:"externalTransactionId"`
	FamilyID              string          `json:"familyId" binding:"required"`
	SchoolID              string          `json:"schoolId" binding:"required"`
	Source                string          `json:"source" binding:"required"`
	GrossAmount           decimal.Decimal `json:"grossAmount"`
	ProcessorFee          decimal.Decimal `json:"processorFee"`
	NetAmount             decimal.Decimal `json:"netAmount"`
	PaymentDate           string          `json:"paymentDate" binding:"required"`
	ReceivedDate          string          `json:"receivedDate"`
}

func (h *Handler) createPayment(c *gin.Context) {
	var req paymentCreateReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	source := models.PaymentSource(req.Source)
	if !source.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown payment source " + req.Source})
		return
	}
	paid, err := time.Parse(dateLayout, req.PaymentDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "paymentDate must be YYYY-MM-DD"})
		return
	}
	var received time.Time
	if req.ReceivedDate != "" {
		if received, err = time.Parse(dateLayout, req.ReceivedDate); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "receivedDate must be YYYY-MM-DD"})
			return
		}
	}

	gross := req.GrossAmount
	if gross.IsZero() {
		gross = req.NetAmount.Add(req.ProcessorFee)
	}
	net := req.NetAmount
	if net.IsZero() {
		net = gross.Sub(req.ProcessorFee)
	}
	if req.ProcessorFee.IsNegative() || !net.IsPositive() || net.GreaterThan(gross) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amounts must satisfy 0 < net <= gross and fee >= 0"})
		return
	}

	p := &models.Payment{
		ExternalTransactionID: req.ExternalTransactionID,
		FamilyID:              req.FamilyID,
		SchoolID:              req.SchoolID,
		Source:                source,
		GrossAmount:           gross,
		ProcessorFee:          req.ProcessorFee,
		NetAmount:             net,
		PaymentDate:           paid,
		ReceivedDate:          received,
	}
	p, created, err := h.store.CreatePayment(c.Request.Context(), p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"payment": p, "duplicate": true})
		return
	}

	if c.Query("attribute") == "true" {
		anchor, ok := h.anchor(c)
		if !ok {
			return
		}
		if _, err := h.engine.Attribute(c.Request.Context(), p, anchor); err != nil {
			writeError(c, err, gin.H{"payment": p})
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

func (h *Handler) listPayments(c *gin.Context) {
	f := pageFilter(c)
	f.FamilyID = c.Query("familyId")
	f.AttributionStatus = c.Query("attributionStatus")
	payments, total, err := h.store.ListPayments(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payments, "page": f.Page, "pageSize": f.PageSize, "total": total})
}

func (h *Handler) getPayment(c *gin.Context) {
	p, err := h.store.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

func (h *Handler) paymentAudit(c *gin.Context) {
	audits, err := h.store.Audits(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": audits})
}

func (h *Handler) attributePayment(c *gin.Context) {
	anchor, ok := h.anchor(c)
	if !ok {
		return
	}
	p, err := h.engine.AttributeByID(c.Request.Context(), c.Param("id"), anchor)
	if err != nil {
		writeError(c, err, gin.H{"payment": p})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

type manualAllocationReq struct {
	ReviewerID  string                         `json:"reviewerId" binding:"required"`
	Allocations []attribution.ManualAllocation `json:"allocations" binding:"required"`
}

func (h *Handler) manualAllocate(c *gin.Context) {
	var req manualAllocationReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.store.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	p, err = h.engine.ManuallyAllocate(c.Request.Context(), p, req.Allocations, req.ReviewerID)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

type refundReq struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
	Actor  string          `json:"actor" binding:"required"`
}

func (h *Handler) refundPayment(c *gin.Context) {
	var req refundReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.store.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	p, err = h.engine.Refund(c.Request.Context(), p, req.Amount, req.Reason, req.Actor)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

func (h *Handler) reviewQueue(c *gin.Context) {
	f := pageFilter(c)
	f.FamilyID = c.Query("familyId")
	payments, total, err := h.store.ReviewQueue(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payments, "page": f.Page, "pageSize": f.PageSize, "total": total})
}

func (h *Handler) exportReviewQueue(c *gin.Context) {
	var all []models.Payment
	f := store.PaymentFilter{Page: 1, PageSize: 200, FamilyID: c.Query("familyId")}
	for {
		payments, total, err := h.store.ReviewQueue(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		all = append(all, payments...)
		if len(payments) == 0 || int64(len(all)) >= total {
			break
		}
		f.Page++
	}

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"review_queue_%s.xlsx\"",
		h.now().Format("20060102")))
	if err := review.WriteQueue(c.Writer, all); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type enrollmentCreateReq struct {
	FamilyID       string          `json:"familyId" binding:"required"`
	SchoolID       string          `json:"schoolId" binding:"required"`
	StudentID      string          `json:"studentId" binding:"required"`
	StudentName    string          `json:"studentName"`
	MonthlyTuition decimal.Decimal `json:"monthlyTuition"`
	Status         string          `json:"status" binding:"omitempty,oneof=active withdrawn"`
}

func (h *Handler) createEnrollment(c *gin.Context) {
	var req enrollmentCreateReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MonthlyTuition.IsNegative() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "monthlyTuition cannot be negative"})
		return
	}
	e := &models.Enrollment{
		FamilyID:       req.FamilyID,
		SchoolID:       req.SchoolID,
		StudentID:      req.StudentID,
		StudentName:    req.StudentName,
		MonthlyTuition: req.MonthlyTuition,
		Status:         models.EnrollmentStatus(req.Status),
	}
	if err := h.store.CreateEnrollment(c.Request.Context(), e); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h *Handler) listEnrollments(c *gin.Context) {
	enrollments, err := h.store.ListEnrollments(c.Request.Context(), c.Query("familyId"), c.Query("schoolId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, enrollments)
}

func (h *Handler) enrollmentLedger(c *gin.Context) {
	e, err := h.store.GetEnrollment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	entries, err := h.store.LedgerEntries(c.Request.Context(), e.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrollment": e, "entries": entries})
}

// anchor resolves the billing anchor from ?asOf=YYYY-MM-DD, defaulting to today.
func (h *Handler) anchor(c *gin.Context) (time.Time, bool) {
	asOf := c.Query("asOf")
	if asOf == "" {
		return h.now(), true
	}
	t, err := time.Parse(dateLayout, asOf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "asOf must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return t, true
}

func pageFilter(c *gin.Context) store.PaymentFilter {
	f := store.PaymentFilter{Page: 1, PageSize: 20}
	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			f.Page = v
		}
	}
	if ps := c.Query("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 200 {
			f.PageSize = v
		}
	}
	return f
}

func writeError(c *gin.Context, err error, extra gin.H) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attribution.ErrPaymentNotFound), errors.Is(err, attribution.ErrEnrollmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, attribution.ErrAlreadyAttributed), errors.Is(err, attribution.ErrPaymentRefunded),
		errors.Is(err, attribution.ErrLostUpdate):
		status = http.StatusConflict
	case errors.Is(err, attribution.ErrInvalidAllocation), errors.Is(err, attribution.ErrInvalidPayment):
		status = http.StatusUnprocessableEntity
	}
	body := gin.H{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}
