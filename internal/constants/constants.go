package constants

const USER_AGENT = "urlloader/1.0 (+https://github.com/Amund211/urlloader)"

// Default byte capacity of the content cache
const DEFAULT_CACHE_CAPACITY = 20 * 1024 * 1024

const DEFAULT_CONCURRENCY_LIMIT = 5
