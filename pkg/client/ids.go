package client

import (
	"fmt"
	"math/rand/v2"
)

var idAdjectives = []string{
	"AMBER", "AZURE", "BRISK", "CEDAR", "COPPER",
	"CORAL", "COSMIC", "DUSTY", "EARLY", "FLINT",
	"FOGGY", "GOLDEN", "HAZEL", "HOLLOW", "IVORY",
	"JADE", "JOLLY", "LUCKY", "LUNAR", "MAGIC",
	"MELLOW", "MERRY", "MISTY", "NIMBLE", "NOBLE",
	"OAKEN", "PLUCKY", "POLAR", "QUIET", "RAPID",
	"ROSY", "RUSTY", "SANDY", "SILENT", "SOLAR",
	"STEADY", "STORMY", "SUNNY", "SWIFT", "TIDAL",
	"TIMBER", "TINY", "URBAN", "VELVET", "VIVID",
	"WANDER", "WINTRY", "WOODEN", "YOUNG", "ZESTY",
}

var idNouns = []string{
	"ANCHOR", "BADGER", "BEACON", "BISON", "BRIDGE",
	"CANYON", "COMET", "CRANE", "DINGO", "ECHO",
	"EMBER", "FALCON", "FERN", "FJORD", "GECKO",
	"GLACIER", "HARBOR", "HERON", "IBIS", "ISLAND",
	"JAGUAR", "KESTREL", "LAGOON", "LANTERN", "LYNX",
	"MEADOW", "MOOSE", "NEBULA", "ORCA", "ORCHID",
	"PEBBLE", "PIER", "PUFFIN", "QUARRY", "RAVEN",
	"REEF", "SPARROW", "SUMMIT", "TUNDRA", "TURTLE",
	"VALLEY", "VOLCANO", "WALRUS", "WILLOW", "YAK",
	"ZEPHYR", "MAGPIE", "PRAIRIE", "CASCADE", "COBALT",
}

var passwordWords = []string{
	"anchor", "banjo", "cactus", "dragon", "ember",
	"falcon", "garnet", "harbor", "igloo", "jungle",
	"kettle", "lantern", "mango", "nectar", "orbit",
	"pepper", "quartz", "rocket", "saffron", "tulip",
	"umber", "violet", "walnut", "yonder", "zephyr",
}

// GenerateID returns a memorable endpoint identifier such as "AMBER-HERON-07".
// It is not guaranteed to be free on the broker.
func GenerateID() string {
	adj := idAdjectives[rand.IntN(len(idAdjectives))]
	noun := idNouns[rand.IntN(len(idNouns))]
	return fmt.Sprintf("%s-%s-%02d", adj, noun, rand.IntN(100))
}

// GeneratePassword returns a short shareable password such as "mango-42"
func GeneratePassword() string {
	return fmt.Sprintf("%s-%02d", passwordWords[rand.IntN(len(passwordWords))], rand.IntN(100))
}
