/*
Package config loads the apibridge service configuration.

Sources are applied in order of increasing precedence:

 1. compiled-in defaults (NewDefault)
 2. a YAML file (LoadFromFile)
 3. APIBRIDGE_* environment variables (LoadFromEnv)

Load runs all three and validates the result.

# File format

	server:
	  address: ":8080"
	  enable_cors: true
	logging:
	  level: INFO
	  format: json
	bridge:
	  enable_cache: true
	  cache_ttl: 5m
	  retry_attempts: 3
	  timeout: 15s
	  require_auth: true
	  default_scope: TEAM
	resources:
	  admin-users:
	    cache_ttl: 1m
	    default_scope: ALL
	  workflows:
	    # reads only; every write action is denied
	    required_permissions: ["workflows:read"]
	transport:
	  kind: http
	  http:
	    base_url: https://backend.internal/api
	    rate_limit: 50
	authz:
	  default_allow: false
	  policies:
	    "*": '"admin" in subject.roles'
	    "rfps:read": 'scope != "ALL" || "manager" in subject.roles'
	metrics:
	  enabled: true
	  path: /metrics

A resources entry overrides only the fields it sets; everything else comes
from the bridge section. BridgeConfigs resolves the effective settings.

# Environment variables

	APIBRIDGE_LISTEN_ADDR          server.address
	APIBRIDGE_LOG_LEVEL            logging.level
	APIBRIDGE_LOG_FORMAT           logging.format
	APIBRIDGE_LOG_FILE             logging.file
	APIBRIDGE_CACHE_ENABLED        bridge.enable_cache
	APIBRIDGE_CACHE_TTL            bridge.cache_ttl
	APIBRIDGE_CACHE_MAX_ENTRIES    bridge.max_entries
	APIBRIDGE_RETRY_ATTEMPTS       bridge.retry_attempts
	APIBRIDGE_TIMEOUT              bridge.timeout
	APIBRIDGE_REQUIRE_AUTH         bridge.require_auth
	APIBRIDGE_DEFAULT_SCOPE        bridge.default_scope
	APIBRIDGE_TRANSPORT            transport.kind
	APIBRIDGE_BASE_URL             transport.http.base_url
	APIBRIDGE_RATE_LIMIT           transport.http.rate_limit
	APIBRIDGE_S3_BUCKET            transport.objectstore.bucket
	APIBRIDGE_S3_PREFIX            transport.objectstore.prefix
	APIBRIDGE_S3_REGION            transport.objectstore.region
	APIBRIDGE_S3_ENDPOINT          transport.objectstore.endpoint
	APIBRIDGE_AUTHZ_DEFAULT_ALLOW  authz.default_allow
	APIBRIDGE_METRICS_ENABLED      metrics.enabled

A malformed value fails LoadFromEnv instead of being ignored.
*/
package config
