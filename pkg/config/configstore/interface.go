// Package configstore declares where configuration documents come from.
package configstore

// ConfigStore loads a document into out and saves data back.
type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}
