package controller

import (
	"io"
	"mime/multipart"
	"strings"

	"protoeval/internal/evaluate/model"
	"protoeval/internal/evaluate/service"
	appErr "protoeval/pkg/errors"
	"protoeval/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// EvaluateController handles evaluation HTTP endpoints.
type EvaluateController struct {
	evaluateService *service.EvaluateService
}

// NewEvaluateController creates a new EvaluateController.
func NewEvaluateController(evaluateService *service.EvaluateService) *EvaluateController {
	return &EvaluateController{evaluateService: evaluateService}
}

// Info returns the service version and supported robot versions.
func (h *EvaluateController) Info(c *gin.Context) {
	response.Success(c, h.evaluateService.Info())
}

// Evaluate accepts a multipart upload and creates a pending job.
func (h *EvaluateController) Evaluate(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		response.BadRequest(c, "Invalid multipart form")
		return
	}

	robotVersion := strings.TrimSpace(firstValue(form, "robot_version"))
	if robotVersion == "" {
		response.ErrorWithCode(c, appErr.RequiredFieldEmpty, "robot_version is required")
		return
	}
	protocols := form.File["protocol_file"]
	if len(protocols) == 0 {
		response.ErrorWithCode(c, appErr.RequiredFieldEmpty, "protocol_file is required")
		return
	}

	var closers []io.Closer
	defer func() {
		for _, cl := range closers {
			_ = cl.Close()
		}
	}()
	open := func(fh *multipart.FileHeader) (service.Upload, error) {
		f, err := fh.Open()
		if err != nil {
			return service.Upload{}, appErr.Wrapf(err, appErr.InvalidUpload, "read upload %s failed", fh.Filename)
		}
		closers = append(closers, f)
		return service.Upload{Name: fh.Filename, Reader: f}, nil
	}

	input := service.SubmitInput{
		RobotVersion: robotVersion,
		RTP:          firstValue(form, "rtp"),
	}
	if input.Protocol, err = open(protocols[0]); err != nil {
		response.Error(c, err)
		return
	}
	for _, fh := range form.File["labware_files"] {
		upload, err := open(fh)
		if err != nil {
			response.Error(c, err)
			return
		}
		input.Labware = append(input.Labware, upload)
	}
	if csvFiles := form.File["csv_file"]; len(csvFiles) > 0 && csvFiles[0].Filename != "" {
		upload, err := open(csvFiles[0])
		if err != nil {
			response.Error(c, err)
			return
		}
		input.CSV = &upload
	}

	out, err := h.evaluateService.Submit(c.Request.Context(), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, out)
}

// GetStatus returns the status of one job.
func (h *EvaluateController) GetStatus(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	status, err := h.evaluateService.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// GetResult returns one artifact of a job.
func (h *EvaluateController) GetResult(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	resultType, ok := model.ParseResultType(c.DefaultQuery("result_type", string(model.ResultAnalysis)))
	if !ok {
		response.BadRequest(c, "result_type must be analysis or simulation")
		return
	}
	result, err := h.evaluateService.GetResult(c.Request.Context(), jobID, resultType)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// Healthz reports liveness.
func (h *EvaluateController) Healthz(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

func firstValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}
