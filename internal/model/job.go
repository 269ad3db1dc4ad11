package model

// Domain is the event channel prefix of a job kind.
type Domain string

const (
	DomainCleaning  Domain = "cleaning"
	DomainDataset   Domain = "dataset"
	DomainInference Domain = "inference"
	DomainExport    Domain = "export"
	DomainDownload  Domain = "download"
)

// Status is the terminal classification of one worker run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Dataset generation sources, each maps to its own worker script.
const (
	SourceOllama  = "ollama"
	SourceBuiltin = "builtin"
	SourceMLX     = "mlx"
)

// Project subdirectories created by the bootstrap.
const (
	DirRaw      = "raw"
	DirCleaned  = "cleaned"
	DirDataset  = "dataset"
	DirAdapters = "adapters"
	DirLogs     = "logs"
	DirExport   = "export"
)

// ProjectDirs lists the fixed subdirectories of every project.
var ProjectDirs = []string{DirRaw, DirCleaned, DirDataset, DirAdapters, DirLogs}
