package redis

const (
	// saveRecordScript atomically updates the counter fields of a record.
	// Other fields in the hash are left alone.
	saveRecordScript = `
local record_key = KEYS[1]      -- kstats:{namespace}:{key}
local namespaces = KEYS[2]      -- kstats:namespaces

local namespace = ARGV[1]
local total_voice_ms = ARGV[2]
local message_count = ARGV[3]
local voice_connect_count = ARGV[4]
local click_count = ARGV[5]
local saved_at = ARGV[6]

redis.call('HSET', record_key,
  'total_voice_ms', total_voice_ms,
  'message_count', message_count,
  'voice_connect_count', voice_connect_count,
  'click_count', click_count,
  'saved_at', saved_at
)

redis.call('SADD', namespaces, namespace)

return 'OK'
`
)
