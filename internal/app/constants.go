package app

const (
	Name           = "kiwilink"
	ConfigFilename = "config.json"
	LogFilename    = "kiwilink.log"
)
