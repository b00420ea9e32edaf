package cases

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/ToniYenC11/CDSS/internal/handler"
	"github.com/ToniYenC11/CDSS/internal/model"
	casesvc "github.com/ToniYenC11/CDSS/internal/service/cases"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
	"github.com/ToniYenC11/CDSS/pkg/storage"
)

// Service is the part of the case service the handlers use.
type Service interface {
	Create(ctx context.Context, up casesvc.Upload) (*model.Case, error)
	List(ctx context.Context) ([]*casesvc.Summary, error)
	Get(ctx context.Context, id int64) (*casesvc.Detail, error)
	Update(ctx context.Context, id int64, req model.UpdateCaseRequest) (*model.Case, error)
	Delete(ctx context.Context, id int64) error
	ImageURL(c *model.Case) string
	OpenImage(ctx context.Context, key string) (*storage.Object, error)
}

type Handler struct {
	service  Service
	validate *validator.Validate
}

func NewHandler(service Service) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	handler.Handle(r, http.MethodPost, "/upload", h.Upload)
	handler.Handle(r, http.MethodGet, "/list", h.List)

	c := r.Group("/case")
	{
		handler.Handle(c, http.MethodGet, "/:id", h.GetCase)
		handler.Handle(c, http.MethodDelete, "/:id", h.DeleteCase)
	}

	forms := r.Group("/api/forms")
	{
		handler.Handle(forms, http.MethodGet, "", h.ListForms)
		handler.Handle(forms, http.MethodPost, "", h.CreateForm)
		handler.Handle(forms, http.MethodGet, "/:id", h.GetForm)
		handler.Handle(forms, http.MethodPut, "/:id", h.UpdateForm)
		handler.Handle(forms, http.MethodPatch, "/:id", h.UpdateForm)
		handler.Handle(forms, http.MethodDelete, "/:id", h.DeleteForm)
	}

	r.GET("/media/*path", h.Media)
}

type caseResponse struct {
	CaseID     int64  `json:"CaseID"`
	PatientID  string `json:"PatientID"`
	Date       string `json:"Date"`
	Diagnosis  string `json:"Diagnosis"`
	Confidence string `json:"Confidence"`
}

func newCaseResponse(c *model.Case, diagnosis string) caseResponse {
	return caseResponse{
		CaseID:     c.ID,
		PatientID:  c.PatientID,
		Date:       c.Date(),
		Diagnosis:  diagnosis,
		Confidence: c.Confidence,
	}
}

type uploadResponse struct {
	Message string `json:"message"`
	caseResponse
}

type detailResponse struct {
	caseResponse
	Image       *string              `json:"Image"`
	ImageName   string               `json:"ImageName"`
	Annotations []*model.BoundingBox `json:"Annotations"`
}

// formResponse is the stored record as exposed under /api/forms.
type formResponse struct {
	caseResponse
	Image *string `json:"Image"`
}

func errorJSON(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func imageURL(url string) *string {
	if url == "" {
		return nil
	}
	return &url
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Upload stores a multipart "image" file as a new case.
func (h *Handler) Upload(c *gin.Context) {
	created, ok := h.createFromForm(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, uploadResponse{
		Message:      "Upload successful",
		caseResponse: newCaseResponse(created, created.Diagnosis),
	})
}

// CreateForm is the /api/forms flavour of Upload and answers with the record.
func (h *Handler) CreateForm(c *gin.Context) {
	created, ok := h.createFromForm(c)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, h.newFormResponse(created))
}

// createFromForm reads the "image" file and creates the case. It writes the
// error response itself and reports false on failure.
func (h *Handler) createFromForm(c *gin.Context) (*model.Case, bool) {
	header, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			errorJSON(c, http.StatusRequestEntityTooLarge, "Image is too large")
			return nil, false
		}
		errorJSON(c, http.StatusBadRequest, "No image provided")
		return nil, false
	}

	file, err := header.Open()
	if err != nil {
		_ = c.Error(err)
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	defer file.Close()

	created, err := h.service.Create(c.Request.Context(), casesvc.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		h.handleError(c, err)
		return nil, false
	}
	return created, true
}

// List returns every case, newest first, with its derived diagnosis.
func (h *Handler) List(c *gin.Context) {
	summaries, err := h.service.List(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	forms := make([]caseResponse, 0, len(summaries))
	for _, s := range summaries {
		forms = append(forms, newCaseResponse(s.Case, s.Diagnosis.String()))
	}
	c.JSON(http.StatusOK, gin.H{"forms": forms})
}

func (h *Handler) GetCase(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		errorJSON(c, http.StatusNotFound, "Case not found")
		return
	}

	detail, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, detailResponse{
		caseResponse: newCaseResponse(detail.Case, detail.Diagnosis.String()),
		Image:        imageURL(detail.ImageURL),
		ImageName:    detail.Case.ImageName,
		Annotations:  detail.Boxes,
	})
}

func (h *Handler) DeleteCase(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		errorJSON(c, http.StatusNotFound, "Case not found")
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Case deleted successfully"})
}

func (h *Handler) ListForms(c *gin.Context) {
	summaries, err := h.service.List(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	forms := make([]formResponse, 0, len(summaries))
	for _, s := range summaries {
		forms = append(forms, h.newFormResponse(s.Case))
	}
	c.JSON(http.StatusOK, forms)
}

func (h *Handler) GetForm(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		errorJSON(c, http.StatusNotFound, "Case not found")
		return
	}

	detail, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.newFormResponse(detail.Case))
}

// DeleteForm removes the case like DELETE /case/:id but answers 204.
func (h *Handler) DeleteForm(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		errorJSON(c, http.StatusNotFound, "Case not found")
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateForm serves PUT and PATCH. Both only touch the fields present in the
// body; PatientID and Date cannot be changed.
func (h *Handler) UpdateForm(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		errorJSON(c, http.StatusNotFound, "Case not found")
		return
	}

	var req model.UpdateCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.service.Update(c.Request.Context(), id, req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.newFormResponse(updated))
}

func (h *Handler) newFormResponse(c *model.Case) formResponse {
	return formResponse{
		caseResponse: newCaseResponse(c, c.Diagnosis),
		Image:        imageURL(h.service.ImageURL(c)),
	}
}

// Media streams a stored image.
func (h *Handler) Media(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("path"), "/")
	obj, err := h.service.OpenImage(c.Request.Context(), key)
	if err != nil {
		if apperrors.IsNotFound(err) {
			errorJSON(c, http.StatusNotFound, "Image not found")
			return
		}
		h.handleError(c, err)
		return
	}
	defer obj.Close()

	c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, obj, nil)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	_ = c.Error(err)

	if appErr, ok := apperrors.As(err); ok {
		switch appErr.Code {
		case apperrors.ErrNotFound:
			errorJSON(c, http.StatusNotFound, "Case not found")
			return
		case apperrors.ErrBadRequest:
			errorJSON(c, http.StatusBadRequest, appErr.Message)
			return
		}
	}
	errorJSON(c, http.StatusInternalServerError, err.Error())
}
