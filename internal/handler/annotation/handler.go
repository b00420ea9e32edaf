package annotation

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ToniYenC11/CDSS/internal/handler"
	"github.com/ToniYenC11/CDSS/internal/model"
	annotationsvc "github.com/ToniYenC11/CDSS/internal/service/annotation"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
)

// Service is the part of the annotation service the handlers use.
type Service interface {
	Save(ctx context.Context, req *model.SaveAnnotationsRequest) (*model.AnnotationSession, error)
	GetCaseAnnotations(ctx context.Context, caseID int64) (*model.AnnotatedImage, error)
	List(ctx context.Context) ([]*model.AnnotatedImage, error)
	Clear(ctx context.Context, caseID int64) (int, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	annotations := r.Group("/annotations")
	{
		handler.Handle(annotations, http.MethodPost, "", h.Save)
		handler.Handle(annotations, http.MethodGet, "/list", h.List)
		handler.Handle(annotations, http.MethodGet, "/:caseId", h.Get)
		handler.Handle(annotations, http.MethodDelete, "/:caseId", h.Delete)
		handler.Handle(annotations, http.MethodDelete, "/:caseId/delete", h.Delete)
	}
}

type saveResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	AnnotationID     string `json:"annotation_id"`
	CaseID           string `json:"case_id"`
	TotalAnnotations int    `json:"total_annotations"`
	PositiveCount    int    `json:"positive_count"`
	NegativeCount    int    `json:"negative_count"`
}

type validationResponse struct {
	Success       bool     `json:"success"`
	Error         string   `json:"error"`
	MissingFields []string `json:"missing_fields"`
	InvalidLabels []string `json:"invalid_labels"`
	InvalidFields []string `json:"invalid_fields"`
}

func failure(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func parseCaseID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("caseId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.BadRequest(fmt.Sprintf("invalid case id %q", c.Param("caseId")), err)
	}
	return id, nil
}

// Save stores a new annotation session for a case.
func (h *Handler) Save(c *gin.Context) {
	var req model.SaveAnnotationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		failure(c, http.StatusBadRequest, "Invalid JSON data")
		return
	}

	session, err := h.service.Save(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		appErr, ok := apperrors.As(err)
		switch {
		case ok && appErr.Code == apperrors.ErrBadRequest:
			c.JSON(http.StatusBadRequest, validationResponse{
				Error:         appErr.Message,
				MissingFields: orEmpty(appErr.Details[annotationsvc.MissingFields]),
				InvalidLabels: orEmpty(appErr.Details[annotationsvc.InvalidLabels]),
				InvalidFields: orEmpty(appErr.Details[annotationsvc.InvalidFields]),
			})
		case ok && appErr.Code == apperrors.ErrNotFound:
			failure(c, http.StatusNotFound, appErr.Message)
		default:
			// Conflicts included: a duplicate box id is a store constraint failure.
			failure(c, http.StatusInternalServerError, err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, saveResponse{
		Success:          true,
		Message:          "Annotations saved successfully",
		AnnotationID:     session.SessionID,
		CaseID:           string(req.CaseID),
		TotalAnnotations: session.TotalAnnotations,
		PositiveCount:    session.PositiveCount,
		NegativeCount:    session.NegativeCount,
	})
}

// Get returns the case's annotated image with every session. A case that was
// never annotated is reported as a server error.
func (h *Handler) Get(c *gin.Context) {
	caseID, err := parseCaseID(c)
	if err != nil {
		failure(c, http.StatusBadRequest, err.Error())
		return
	}

	image, err := h.service.GetCaseAnnotations(c.Request.Context(), caseID)
	if err != nil {
		_ = c.Error(err)
		failure(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"case_image": image,
	})
}

func (h *Handler) List(c *gin.Context) {
	images, err := h.service.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		failure(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"count":            len(images),
		"annotated_images": images,
	})
}

// Delete removes every session of the case and resets its image to uploaded.
func (h *Handler) Delete(c *gin.Context) {
	caseID, err := parseCaseID(c)
	if err != nil {
		failure(c, http.StatusBadRequest, err.Error())
		return
	}

	deleted, err := h.service.Clear(c.Request.Context(), caseID)
	if err != nil {
		_ = c.Error(err)
		if apperrors.IsNotFound(err) {
			failure(c, http.StatusNotFound, "No annotations found for this case")
			return
		}
		failure(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       fmt.Sprintf("Deleted %d annotations for case %d", deleted, caseID),
		"deleted_count": deleted,
	})
}
