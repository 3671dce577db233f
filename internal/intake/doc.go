// Package intake splits a free-text meal message into food descriptions.
//
// The split is a streaming completion. Objects are pulled from the token
// stream with an llmjson.Scanner as soon as their closing brace arrives, so
// the first food can start resolving while the model is still writing the
// rest of the meal:
//
//	stream, err := splitter.Split(ctx, "two eggs and a slice of rye toast")
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    desc, err := stream.Next()
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    go resolve(ctx, *desc)
//	}
package intake
