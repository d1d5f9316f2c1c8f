package core

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	Link string `json:"link"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}
