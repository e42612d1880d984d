package mailer

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"

	"notehub/internal/notify"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var ErrUnknownKind = errors.New("no template for message kind")

type Message struct {
	To      string
	Name    string
	Kind    string
	Subject string
	Body    string
}

// Renderer turns a notify payload into a message. Each template file defines
// a "subject" and a "body" block and is named after the payload kind.
type Renderer struct {
	templates map[string]*template.Template
}

func NewRenderer() (*Renderer, error) {
	files, err := fs.Glob(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}
	r := &Renderer{templates: make(map[string]*template.Template, len(files))}
	for _, file := range files {
		kind := strings.TrimSuffix(path.Base(file), ".tmpl")
		tmpl, err := template.New(kind).Option("missingkey=zero").ParseFS(templateFS, file)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		r.templates[kind] = tmpl
	}
	return r, nil
}

func (r *Renderer) Render(to, name string, payload notify.Payload) (Message, error) {
	tmpl, ok := r.templates[payload.Kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, payload.Kind)
	}
	data := struct {
		Name string
		Data map[string]string
	}{Name: name, Data: payload.Data}

	var subject, body bytes.Buffer
	if err := tmpl.ExecuteTemplate(&subject, "subject", data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", payload.Kind, err)
	}
	if err := tmpl.ExecuteTemplate(&body, "body", data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", payload.Kind, err)
	}
	return Message{
		To:      to,
		Name:    name,
		Kind:    payload.Kind,
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
	}, nil
}
