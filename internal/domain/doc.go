// Package domain holds the core concepts of the md2pdf service: generated
// documents and the error taxonomy shared by rendering, storage and HTTP.
// Keep this package free of transport (HTTP) and infrastructure (Redis/Chrome) concerns.
package domain
