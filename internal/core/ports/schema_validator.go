package ports

// SchemaValidator validates requests and responses of the canonical methods
// against their JSON schemas.
type SchemaValidator interface {
	ValidateRequest(method string, value interface{}) error
	ValidateResponse(method string, value interface{}) error
}
