package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/benthamlabs/bentham/internal/errcode"
	"github.com/benthamlabs/bentham/internal/orchestrator"
)

func writeInvalidRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, string(errcode.InvalidRequest), message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidRequest(w, err.Error())
}

// writeDomainError maps orchestrator and taxonomy errors to HTTP responses.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		WriteError(w, http.StatusInternalServerError, string(errcode.InternalError), "internal server error")
		return
	}

	var illegal *orchestrator.ErrIllegalTransition
	if errors.As(err, &illegal) {
		WriteError(w, http.StatusConflict, "ILLEGAL_TRANSITION", illegal.Error())
		return
	}

	var e *errcode.Error
	if errors.As(err, &e) {
		WriteError(w, errcode.HTTPStatus(e.Code), string(e.Code), e.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, string(errcode.InternalError), err.Error())
}
