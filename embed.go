package geminichat

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the chat page. They are organized
// in a directory structure that separates layouts, pages, and partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded static assets: the script that applies server-sent updates to the page
// and its stylesheet.
//
//go:embed static/*
var StaticFS embed.FS
