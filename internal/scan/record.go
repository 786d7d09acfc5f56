package scan

// Key is one field name of the scan payload alphabet
type Key string

const (
	KeyVendorTaxID     Key = "A"
	KeyDocumentDate    Key = "F"
	KeyVendorInvoiceNo Key = "G"

	KeyI2 Key = "I2"
	KeyI3 Key = "I3"
	KeyI4 Key = "I4"
	KeyI5 Key = "I5"
	KeyI6 Key = "I6"
	KeyI7 Key = "I7"
	KeyI8 Key = "I8"

	KeyJ2 Key = "J2"
	KeyJ3 Key = "J3"
	KeyJ4 Key = "J4"
	KeyJ5 Key = "J5"
	KeyJ6 Key = "J6"
	KeyJ7 Key = "J7"
	KeyJ8 Key = "J8"

	KeyK2 Key = "K2"
	KeyK3 Key = "K3"
	KeyK4 Key = "K4"
	KeyK5 Key = "K5"
	KeyK6 Key = "K6"
	KeyK7 Key = "K7"
	KeyK8 Key = "K8"
)

// Keys lists the full alphabet in canonical order
var Keys = []Key{
	KeyVendorTaxID, KeyDocumentDate, KeyVendorInvoiceNo,
	KeyI2, KeyJ2, KeyK2,
	KeyI3, KeyJ3, KeyK3,
	KeyI4, KeyJ4, KeyK4,
	KeyI5, KeyJ5, KeyK5,
	KeyI6, KeyJ6, KeyK6,
	KeyI7, KeyJ7, KeyK7,
	KeyI8, KeyJ8, KeyK8,
}

// Source points back to the attachment a record was read from
type Source struct {
	AttachmentID string `json:"attachment_id"`
	Name         string `json:"name"`
}

// Record is one parsed scan payload. Absent fields are empty strings.
type Record struct {
	VendorTaxID     string `json:"A"`
	DocumentDate    string `json:"F"`
	VendorInvoiceNo string `json:"G"`

	I2 string `json:"I2"`
	I3 string `json:"I3"`
	I4 string `json:"I4"`
	I5 string `json:"I5"`
	I6 string `json:"I6"`
	I7 string `json:"I7"`
	I8 string `json:"I8"`

	J2 string `json:"J2"`
	J3 string `json:"J3"`
	J4 string `json:"J4"`
	J5 string `json:"J5"`
	J6 string `json:"J6"`
	J7 string `json:"J7"`
	J8 string `json:"J8"`

	K2 string `json:"K2"`
	K3 string `json:"K3"`
	K4 string `json:"K4"`
	K5 string `json:"K5"`
	K6 string `json:"K6"`
	K7 string `json:"K7"`
	K8 string `json:"K8"`

	Source Source `json:"source"`
}

// Get returns the value stored under k, or "" for keys outside the alphabet
func (r Record) Get(k Key) string {
	if p := r.field(k); p != nil {
		return *p
	}
	return ""
}

// Empty reports whether no field of the alphabet carries a value
func (r Record) Empty() bool {
	for _, k := range Keys {
		if r.Get(k) != "" {
			return false
		}
	}
	return true
}

// WithSource returns a copy of r pointing at the given attachment
func (r Record) WithSource(src Source) Record {
	r.Source = src
	return r
}

func (r *Record) field(k Key) *string {
	switch k {
	case KeyVendorTaxID:
		return &r.VendorTaxID
	case KeyDocumentDate:
		return &r.DocumentDate
	case KeyVendorInvoiceNo:
		return &r.VendorInvoiceNo
	case KeyI2:
		return &r.I2
	case KeyI3:
		return &r.I3
	case KeyI4:
		return &r.I4
	case KeyI5:
		return &r.I5
	case KeyI6:
		return &r.I6
	case KeyI7:
		return &r.I7
	case KeyI8:
		return &r.I8
	case KeyJ2:
		return &r.J2
	case KeyJ3:
		return &r.J3
	case KeyJ4:
		return &r.J4
	case KeyJ5:
		return &r.J5
	case KeyJ6:
		return &r.J6
	case KeyJ7:
		return &r.J7
	case KeyJ8:
		return &r.J8
	case KeyK2:
		return &r.K2
	case KeyK3:
		return &r.K3
	case KeyK4:
		return &r.K4
	case KeyK5:
		return &r.K5
	case KeyK6:
		return &r.K6
	case KeyK7:
		return &r.K7
	case KeyK8:
		return &r.K8
	}
	return nil
}
