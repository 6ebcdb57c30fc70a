package pgstore

// Bootstrap DDL. The games row carries the JSON shape of the shared
// record; locks live in their own table so lease traffic never contends
// with game transactions. The trigger mirrors every committed game write
// onto the notify channel for WatchGame.
const schema = `
CREATE TABLE IF NOT EXISTS games (
    game_id        TEXT PRIMARY KEY,
    called_numbers JSONB NOT NULL DEFAULT '[]',
    current_number INT,
    call_sequence  INT NOT NULL DEFAULT 0,
    session_cache  JSONB,
    is_active      BOOLEAN NOT NULL DEFAULT FALSE,
    game_over      BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS locks (
    lock_name     TEXT PRIMARY KEY,
    owner_id      TEXT,
    lease_id      TEXT,
    fencing_token BIGINT NOT NULL DEFAULT 0,
    acquired_at   TIMESTAMPTZ,
    ttl_ms        BIGINT NOT NULL DEFAULT 0
);

CREATE OR REPLACE FUNCTION notify_game_change() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('tambola_game_events', NEW.game_id);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS games_notify ON games;
CREATE TRIGGER games_notify
AFTER INSERT OR UPDATE ON games
FOR EACH ROW EXECUTE FUNCTION notify_game_change();
`
