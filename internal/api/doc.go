// Package api handles incoming HTTP requests for task submission and health
// checks. It translates HTTP concerns to producer calls and maps the task
// error taxonomy onto status codes without leaking broker details.
package api
