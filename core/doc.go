// Package core holds the domain contracts of the monolog service: the
// Session and Monolog entities, the sealed runtime event and turn variants,
// the MonologStore persistence interface and the collaborator interfaces
// (EmbeddingProvider, QuarantineSink). Concrete implementations live in
// sibling packages (store, store/sqlite, embedding/openai); depending only on
// the interfaces here keeps higher layers free of storage and transport
// choices.
package core
