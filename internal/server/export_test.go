package server

var CodeOf = codeOf
