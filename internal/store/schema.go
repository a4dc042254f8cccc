package store

import "fmt"

// schema creates the call and knowledge tables. The embedding column width is the
// configured model dimension.
func schema(dims int) string {
	return fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS calls (
		id UUID PRIMARY KEY,
		organization_id UUID NOT NULL,
		agent_id UUID NOT NULL,
		recording_url TEXT NOT NULL,
		duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		started_at TIMESTAMP WITH TIME ZONE,
		ended_at TIMESTAMP WITH TIME ZONE,
		resolution_status TEXT NOT NULL DEFAULT 'pending'
			CHECK (resolution_status IN ('resolved','pending')),
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		state TEXT NOT NULL DEFAULT 'uploaded'
			CHECK (state IN ('uploaded','processing','processed','failed')),
		attempts INT NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		retryable BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_calls_state ON calls(state);

	CREATE TABLE IF NOT EXISTS call_analytics (
		id UUID PRIMARY KEY,
		call_id UUID NOT NULL UNIQUE REFERENCES calls(id) ON DELETE CASCADE,
		sentiment_score DOUBLE PRECISION NOT NULL CHECK (sentiment_score BETWEEN -1 AND 1),
		transcription JSONB NOT NULL,
		transcript_highlights JSONB NOT NULL DEFAULT '[]',
		topics TEXT[] NOT NULL DEFAULT '{}',
		flags TEXT[] NOT NULL DEFAULT '{}',
		call_type TEXT NOT NULL CHECK (call_type IN ('billing','technical','account','other')),
		summary TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS call_transcripts (
		call_id UUID PRIMARY KEY REFERENCES calls(id) ON DELETE CASCADE,
		segments JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL,
		file_type TEXT NOT NULL DEFAULT '',
		total_pages INT NOT NULL DEFAULT 0,
		file_size BIGINT NOT NULL DEFAULT 0,
		source_url TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL CHECK (category IN ('technical','policies','billing','product')),
		use_count INT NOT NULL DEFAULT 0,
		helpful_rating DOUBLE PRECISION NOT NULL DEFAULT 0,
		tags TEXT[] NOT NULL DEFAULT '{}',
		summary TEXT NOT NULL DEFAULT '',
		index_state TEXT NOT NULL DEFAULT 'pending',
		index_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		embedding vector(%d),
		page_number INT NOT NULL,
		chunk_number INT NOT NULL,
		overlap INT NOT NULL DEFAULT 0,
		UNIQUE (document_id, chunk_number)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON document_chunks
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
	CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON document_chunks(document_id);
	`, dims)
}
