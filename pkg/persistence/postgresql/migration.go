package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflows and their node graph
			CREATE TABLE workflows (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				owner VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('enabled', 'disabled')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_owner ON workflows(owner);
			CREATE INDEX idx_workflows_deleted_at ON workflows(deleted_at);

			CREATE TABLE workflow_nodes (
				id TEXT NOT NULL,
				workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				node_definition_id VARCHAR(255) NOT NULL,
				config JSONB NOT NULL DEFAULT '{}',
				position_x INTEGER NOT NULL DEFAULT 0,
				position_y INTEGER NOT NULL DEFAULT 0,
				previous_node_id TEXT,
				previous_label VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (workflow_id, id),
				CHECK ((previous_node_id IS NULL) = (previous_label IS NULL))
			);

			-- One output bucket row per declared label
			CREATE TABLE node_outputs (
				workflow_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				label VARCHAR(255) NOT NULL,
				seq BIGSERIAL,
				PRIMARY KEY (workflow_id, node_id, label),
				FOREIGN KEY (workflow_id, node_id) REFERENCES workflow_nodes(workflow_id, id) ON DELETE CASCADE
			);

			-- The primary key on the target enforces a single parent
			CREATE TABLE node_edges (
				workflow_id TEXT NOT NULL,
				from_node_id TEXT NOT NULL,
				label VARCHAR(255) NOT NULL,
				to_node_id TEXT NOT NULL,
				seq BIGSERIAL,
				PRIMARY KEY (workflow_id, to_node_id),
				FOREIGN KEY (workflow_id, from_node_id, label) REFERENCES node_outputs(workflow_id, node_id, label) ON DELETE CASCADE,
				FOREIGN KEY (workflow_id, to_node_id) REFERENCES workflow_nodes(workflow_id, id) ON DELETE CASCADE
			);

			CREATE INDEX idx_node_edges_from ON node_edges(workflow_id, from_node_id, label);
		`,
		2: `
			-- Runs and their trace trees
			CREATE TABLE execution_traces (
				id BIGSERIAL PRIMARY KEY,
				execution_id TEXT NOT NULL,
				parent_id BIGINT REFERENCES execution_traces(id) ON DELETE CASCADE,
				step INTEGER NOT NULL,
				workflow_node_id TEXT NOT NULL,
				node_definition_id VARCHAR(255) NOT NULL,
				label VARCHAR(255) NOT NULL,
				input JSONB,
				output JSONB,
				config JSONB,
				warnings JSONB NOT NULL DEFAULT '[]',
				errors JSONB NOT NULL DEFAULT '[]',
				statistics JSONB NOT NULL DEFAULT '{}',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_execution_traces_execution_id ON execution_traces(execution_id);

			CREATE TABLE executions (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'cancelled')),
				error TEXT NOT NULL DEFAULT '',
				root_trace_id BIGINT REFERENCES execution_traces(id),
				statistics JSONB NOT NULL DEFAULT '{}',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id, started_at DESC);
		`,
		3: `
			-- Attribute based access control
			CREATE TABLE policies (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL UNIQUE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE policy_rules (
				id TEXT PRIMARY KEY,
				policy_id TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
				action VARCHAR(100) NOT NULL,
				resource_type VARCHAR(100) NOT NULL,
				effect VARCHAR(10) NOT NULL CHECK (effect IN ('allow', 'deny')),
				condition JSONB NOT NULL,
				seq BIGSERIAL,
				UNIQUE (policy_id, action, resource_type, effect)
			);

			CREATE TABLE policy_attachments (
				actor_id VARCHAR(255) NOT NULL,
				policy_id TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
				seq BIGSERIAL,
				PRIMARY KEY (actor_id, policy_id)
			);
		`,
	}
}
