package hcd

var (
	ChunkSizes     = chunkSizes
	TranslateError = translateError
)
