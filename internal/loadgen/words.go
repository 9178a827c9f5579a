package loadgen

// maxMessageWords bounds the length of a generated chat message.
const maxMessageWords = 10

// sampleWords is the fixed vocabulary virtual users draw message content from.
var sampleWords = []string{
	"apple", "book", "car", "dream", "eagle", "forest", "garden", "hill",
	"ice", "jungle", "key", "lamp", "mountain", "night", "ocean", "pearl",
	"quartz", "river", "stone", "tree", "umbrella", "valley", "wind",
	"xylophone", "yarn", "zebra", "anchor", "breeze", "candle", "dance",
	"echo", "feather", "globe", "horizon", "island", "jewel", "kettle",
	"lighthouse", "moon", "nest", "owl", "puzzle", "quilt", "rain",
	"shadow", "tiger", "unicorn", "vase", "whale", "x-ray", "yellow",
	"zigzag", "arrow", "bottle", "cloud", "dust", "energy", "fire",
	"grape", "hammer", "ink", "jacket", "kite", "lemon", "mirror", "nut",
	"orange", "pencil", "quill", "rose", "star", "tunnel", "universe",
	"violet", "wolf", "xenon", "yacht", "zephyr", "bamboo", "circle",
	"dragon", "echoes", "flame", "grass", "honey", "isle", "jade", "knot",
	"leaf", "mist", "nebula", "octopus", "pine", "queen", "rope", "snow",
	"thorn", "utopia", "volcano", "whisper",
}
