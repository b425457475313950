// Package services holds cross-cutting helpers shared by pipeline
// components: sentinel error markers for failure classification and
// context annotation for structured logging.
package services
