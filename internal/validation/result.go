package validation

// Result separates hard errors (block the operation) from warnings (logged
// and recorded, never blocking). Keys are field or rule names.
type Result struct {
	Errors   map[string][]string `json:"errors,omitempty"`
	Warnings map[string][]string `json:"warnings,omitempty"`
}

func NewResult() *Result {
	return &Result{
		Errors:   make(map[string][]string),
		Warnings: make(map[string][]string),
	}
}

func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

func (r *Result) AddError(field, msg string) {
	r.Errors[field] = append(r.Errors[field], msg)
}

func (r *Result) AddWarning(field, msg string) {
	r.Warnings[field] = append(r.Warnings[field], msg)
}

// Merge folds another result into this one.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	for field, msgs := range other.Errors {
		r.Errors[field] = append(r.Errors[field], msgs...)
	}
	for field, msgs := range other.Warnings {
		r.Warnings[field] = append(r.Warnings[field], msgs...)
	}
}
