package api

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/smithy-go"

	"github.com/kenneth/blob-encryption-gateway/internal/blobstore"
	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
)

// BlobError is an error response in the Azure Blob Storage format.
type BlobError struct {
	Code       string
	Message    string
	Resource   string
	RequestID  string
	HTTPStatus int
}

// Error implements the error interface.
func (e *BlobError) Error() string {
	return fmt.Sprintf("Blob Error: %s - %s", e.Code, e.Message)
}

// WriteXML writes the error response. HEAD responses carry only the headers.
func (e *BlobError) WriteXML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("x-ms-error-code", e.Code)
	if e.RequestID != "" {
		w.Header().Set("x-ms-request-id", e.RequestID)
	}
	if r != nil && r.Method == http.MethodHead {
		w.WriteHeader(e.HTTPStatus)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(e.HTTPStatus)

	type ErrorResponse struct {
		XMLName  xml.Name `xml:"Error"`
		Code     string   `xml:"Code"`
		Message  string   `xml:"Message"`
		Resource string   `xml:"Resource,omitempty"`
	}

	xmlData, err := xml.MarshalIndent(ErrorResponse{
		Code:     e.Code,
		Message:  e.Message,
		Resource: e.Resource,
	}, "", "  ")
	if err != nil {
		// Fallback to plain text if XML marshaling fails
		w.Write([]byte(e.Message))
		return
	}

	w.Write([]byte(xml.Header))
	w.Write(xmlData)
}

// TranslateError maps backend, encryption and request errors to blob errors.
func TranslateError(err error, container, blob string) *BlobError {
	if err == nil {
		return nil
	}

	resource := ""
	if container != "" {
		if blob != "" {
			resource = fmt.Sprintf("/%s/%s", container, blob)
		} else {
			resource = fmt.Sprintf("/%s", container)
		}
	}
	newErr := func(status int, code, message string) *BlobError {
		return &BlobError{Code: code, Message: message, Resource: resource, HTTPStatus: status}
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return newErr(http.StatusRequestEntityTooLarge, "RequestBodyTooLarge",
			fmt.Sprintf("The request body is too large and exceeds the maximum permissible limit of %d bytes.", maxBytes.Limit))
	}

	switch {
	case errors.Is(err, crypto.ErrInvalidRange), errors.Is(err, blobstore.ErrRangeNotSatisfiable):
		return newErr(http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The range specified is invalid for the current size of the resource.")
	case errors.Is(err, crypto.ErrEncryptionRequired):
		return newErr(http.StatusConflict, "BlobNotEncrypted", "The blob does not carry encryption metadata and this gateway requires encryption.")
	case errors.Is(err, crypto.ErrKeyResolutionFailed), errors.Is(err, crypto.ErrKeyMismatch):
		return newErr(http.StatusForbidden, "KeyUnavailable", "The key that encrypted this blob is not available to the gateway.")
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return newErr(http.StatusInternalServerError, "DecryptionFailed", "The blob could not be decrypted.")
	case errors.Is(err, crypto.ErrKeyWrapFailed):
		return newErr(http.StatusInternalServerError, "EncryptionFailed", "The content key could not be wrapped.")
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.ErrorCode == "ContainerNotFound":
			return newErr(http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		case respErr.StatusCode == http.StatusNotFound:
			return newErr(http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
		case respErr.StatusCode == http.StatusForbidden:
			return newErr(http.StatusForbidden, "AuthorizationFailure", "This request is not authorized to perform this operation.")
		case respErr.StatusCode == http.StatusPreconditionFailed:
			return newErr(http.StatusPreconditionFailed, "ConditionNotMet", "The blob changed while it was being read.")
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return newErr(http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		case "AccessDenied":
			return newErr(http.StatusForbidden, "AuthorizationFailure", "This request is not authorized to perform this operation.")
		case "InvalidBucketName":
			return newErr(http.StatusBadRequest, "InvalidResourceName", "The specified resource name contains invalid characters.")
		}
	}

	if errors.Is(err, blobstore.ErrNotFound) {
		return newErr(http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
	}

	return newErr(http.StatusInternalServerError, "InternalError", "The server encountered an internal error. Please retry the request.")
}

// Predefined blob errors
var (
	ErrInvalidMetadata = &BlobError{
		Code:       "InvalidMetadata",
		Message:    "The metadata specified is invalid. It has characters that are not permitted.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidResourceName = &BlobError{
		Code:       "InvalidResourceName",
		Message:    "The specified resource name contains invalid characters.",
		HTTPStatus: http.StatusBadRequest,
	}
)

// withResource copies a predefined error for a request.
func withResource(e *BlobError, resource, requestID string) *BlobError {
	out := *e
	out.Resource = resource
	out.RequestID = requestID
	return &out
}
