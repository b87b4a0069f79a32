package models

// PIIDisclosure controls how much personally identifying data a scan
// response reveals. It is a response-time policy; stored data is never
// altered by it.
type PIIDisclosure string

const (
	PIINone   PIIDisclosure = "none"
	PIIMasked PIIDisclosure = "masked"
	PIIFull   PIIDisclosure = "full"
)
