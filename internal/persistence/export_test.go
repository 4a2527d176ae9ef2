package persistence

var Placeholders = placeholders
