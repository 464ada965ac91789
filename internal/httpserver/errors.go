package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrMissingTenant    = "missing tenant id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrInvalidSignature = "invalid signature"
)
