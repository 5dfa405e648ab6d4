package main

// General API documentation for swaggo. Run `swag init -g cmd/diffusiond/docs.go` to regenerate docs.
//
// @title           diffusiond API
// @version         1.0
// @description     HTTP API for local text-to-image model management and generation.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
