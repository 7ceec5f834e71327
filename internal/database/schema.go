package database

// schema is applied one statement at a time so the DSN does not need
// multiStatements=true.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS token_balances (
    user_id VARCHAR(64) NOT NULL PRIMARY KEY,
    free_tokens INT NOT NULL DEFAULT 1,
    premium_tokens INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CONSTRAINT chk_free_tokens CHECK (free_tokens >= 0),
    CONSTRAINT chk_premium_tokens CHECK (premium_tokens >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS token_credits (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    purchase_id VARCHAR(128) NOT NULL,
    tokens INT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_user_purchase (user_id, purchase_id),
    FOREIGN KEY (user_id) REFERENCES token_balances(user_id)
)`,
	`CREATE TABLE IF NOT EXISTS pending_credits (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    purchase_id VARCHAR(128) NOT NULL,
    product_id VARCHAR(128) NOT NULL,
    tokens INT NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_pending_purchase (user_id, purchase_id)
)`,
	`CREATE TABLE IF NOT EXISTS generation_logs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    task_id VARCHAR(128) NOT NULL,
    prompt TEXT NOT NULL,
    title VARCHAR(255),
    slide_count INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_generation_user (user_id)
)`,
}
